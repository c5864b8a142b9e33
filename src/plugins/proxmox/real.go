package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"homelab-autopilot/src/config"
)

// Client talks to the Proxmox VE JSON API using API token authentication.
type Client struct {
	baseURL string
	auth    string
	http    *http.Client
}

// Connect builds a client from the hypervisor configuration. No request is
// made until the first call.
func Connect(cfg config.HypervisorConfig) *Client {
	transport := &http.Transport{}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	port := cfg.Port
	if port == 0 {
		port = 8006
	}
	return &Client{
		baseURL: fmt.Sprintf("https://%s:%d/api2/json", cfg.Host, port),
		auth:    fmt.Sprintf("PVEAPIToken=%s!%s=%s", cfg.Username, cfg.TokenID, cfg.Secret),
		http:    &http.Client{Transport: transport, Timeout: 2 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.auth)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("proxmox api %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	wrapper := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return fmt.Errorf("proxmox api %s: decode: %w", path, err)
	}
	return json.Unmarshal(wrapper.Data, out)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var data struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", nil, &data); err != nil {
		return "", err
	}
	return data.Version, nil
}

// Instance resolves the actual node via /cluster/resources, which is
// authoritative in a cluster where VMs migrate.
func (c *Client) Instance(ctx context.Context, vmid int) (InstanceInfo, error) {
	var resources []struct {
		VMID   int    `json:"vmid"`
		Node   string `json:"node"`
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/cluster/resources?type=vm", nil, &resources); err != nil {
		return InstanceInfo{}, err
	}
	for _, r := range resources {
		if r.VMID == vmid {
			return InstanceInfo{VMID: r.VMID, Node: r.Node, Type: r.Type, Status: r.Status}, nil
		}
	}
	return InstanceInfo{}, fmt.Errorf("vmid %d not found in cluster resources", vmid)
}

func (c *Client) Vzdump(ctx context.Context, node string, vmid int, opts VzdumpOptions) (string, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(vmid))
	mode := opts.Mode
	if mode == "" {
		mode = "snapshot"
	}
	form.Set("mode", mode)
	switch {
	case opts.Storage != "":
		form.Set("storage", opts.Storage)
	case opts.DumpDir != "":
		form.Set("dumpdir", opts.DumpDir)
		form.Set("compress", "zstd")
	default:
		return "", fmt.Errorf("vzdump needs a storage or dumpdir")
	}
	var upid string
	if err := c.do(ctx, http.MethodPost, "/nodes/"+node+"/vzdump", form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

func (c *Client) WaitTask(ctx context.Context, node, upid string) error {
	path := "/nodes/" + node + "/tasks/" + url.PathEscape(upid) + "/status"
	for {
		var status struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
			return err
		}
		if status.Status != "running" {
			if status.ExitStatus != "OK" {
				return fmt.Errorf("task %s failed: %s", upid, status.ExitStatus)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Client) storageContent(ctx context.Context, node, storage string) ([]BackupVolume, error) {
	var content []struct {
		Volid string `json:"volid"`
		Size  int64  `json:"size"`
		CTime int64  `json:"ctime"`
		VMID  int    `json:"vmid"`
	}
	path := "/nodes/" + node + "/storage/" + storage + "/content?content=backup"
	if err := c.do(ctx, http.MethodGet, path, nil, &content); err != nil {
		return nil, err
	}
	out := make([]BackupVolume, 0, len(content))
	for _, v := range content {
		out = append(out, BackupVolume{Volid: v.Volid, Size: v.Size})
	}
	return out, nil
}

func (c *Client) LatestBackup(ctx context.Context, node, storage string, vmid int) (BackupVolume, error) {
	var content []struct {
		Volid string `json:"volid"`
		Size  int64  `json:"size"`
		CTime int64  `json:"ctime"`
		VMID  int    `json:"vmid"`
	}
	path := "/nodes/" + node + "/storage/" + storage + "/content?content=backup&vmid=" + strconv.Itoa(vmid)
	if err := c.do(ctx, http.MethodGet, path, nil, &content); err != nil {
		return BackupVolume{}, err
	}
	best := -1
	var bestCTime int64
	for i, v := range content {
		if v.CTime >= bestCTime {
			best, bestCTime = i, v.CTime
		}
	}
	if best < 0 {
		return BackupVolume{}, fmt.Errorf("no backup volume for vmid %d on %s", vmid, storage)
	}
	return BackupVolume{Volid: content[best].Volid, Size: content[best].Size}, nil
}

func (c *Client) HasVolume(ctx context.Context, node, volid string) (bool, error) {
	storage, _, ok := strings.Cut(volid, ":")
	if !ok {
		return false, fmt.Errorf("malformed volid %q", volid)
	}
	vols, err := c.storageContent(ctx, node, storage)
	if err != nil {
		return false, err
	}
	for _, v := range vols {
		if v.Volid == volid {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) DeleteVolume(ctx context.Context, node, volid string) error {
	storage, _, ok := strings.Cut(volid, ":")
	if !ok {
		return fmt.Errorf("malformed volid %q", volid)
	}
	path := "/nodes/" + node + "/storage/" + storage + "/content/" + url.PathEscape(volid)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) snapshotPath(node, kind string, vmid int) string {
	return "/nodes/" + node + "/" + kind + "/" + strconv.Itoa(vmid) + "/snapshot"
}

func (c *Client) SnapshotCreate(ctx context.Context, node, kind string, vmid int, name string) error {
	form := url.Values{}
	form.Set("snapname", name)
	form.Set("description", "homelab-autopilot pre-change snapshot")
	var upid string
	if err := c.do(ctx, http.MethodPost, c.snapshotPath(node, kind, vmid), form, &upid); err != nil {
		return err
	}
	return c.WaitTask(ctx, node, upid)
}

func (c *Client) SnapshotRollback(ctx context.Context, node, kind string, vmid int, name string) error {
	var upid string
	path := c.snapshotPath(node, kind, vmid) + "/" + url.PathEscape(name) + "/rollback"
	if err := c.do(ctx, http.MethodPost, path, url.Values{}, &upid); err != nil {
		return err
	}
	return c.WaitTask(ctx, node, upid)
}

func (c *Client) SnapshotDelete(ctx context.Context, node, kind string, vmid int, name string) error {
	var upid string
	path := c.snapshotPath(node, kind, vmid) + "/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodDelete, path, nil, &upid); err != nil {
		return err
	}
	return c.WaitTask(ctx, node, upid)
}

// ProbeEndpoint does a cheap version call against an arbitrary API host,
// used to re-check a backup server immediately before it is used.
func (c *Client) ProbeEndpoint(ctx context.Context, host string, port int, verifyTLS bool) error {
	transport := &http.Transport{}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}
	url := fmt.Sprintf("https://%s:%d/api2/json/version", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
