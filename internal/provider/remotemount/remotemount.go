// Package remotemount is the remote-mount Provider variant of spec §4.1:
// it forwards every Provider call over a length-prefixed JSON-RPC link to
// a peer process running one of the other variants, rather than talking
// to a backing store itself.
package remotemount

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
)

// call is one JSON-RPC request/response frame. Frames are
// length-prefixed on the wire: a big-endian uint32 byte count followed by
// the JSON body.
type call struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Config configures the connection to the peer process running the real
// Provider variant.
type Config struct {
	Network        string // "tcp" or "unix"
	Address        string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Provider forwards every call across a persistent connection to a peer
// process.
type Provider struct {
	cfg Config

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	nextID  uint64
	pending map[uint64]chan reply
	closed  bool
}

// New dials the peer and starts its response-reading loop.
func New(cfg Config) (*Provider, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	conn, err := net.DialTimeout(cfg.Network, cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, apierr.New(apierr.CommError, "New", cfg.Address, err)
	}
	p := &Provider{
		cfg:     cfg,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[uint64]chan reply),
	}
	go p.readLoop()
	return p, nil
}

func (p *Provider) readLoop() {
	for {
		var length uint32
		if err := binary.Read(p.reader, binary.BigEndian, &length); err != nil {
			p.failAllPending(err)
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(p.reader, body); err != nil {
			p.failAllPending(err)
			return
		}
		var r reply
		if err := json.Unmarshal(body, &r); err != nil {
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[r.ID]
		if ok {
			delete(p.pending, r.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- r
		}
	}
}

func (p *Provider) failAllPending(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		ch <- reply{ID: id, Error: &rpcError{Message: err.Error()}}
		delete(p.pending, id)
	}
}

func (p *Provider) invoke(ctx context.Context, method string, params interface{}, out interface{}) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apierr.New(apierr.CommError, method, "", fmt.Errorf("remote mount connection closed"))
	}
	p.nextID++
	id := p.nextID
	ch := make(chan reply, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return apierr.New(apierr.OSError, method, "", err)
	}
	body, err := json.Marshal(call{ID: id, Method: method, Params: raw})
	if err != nil {
		return apierr.New(apierr.OSError, method, "", err)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	p.mu.Lock()
	_, writeErr := p.conn.Write(frame)
	p.mu.Unlock()
	if writeErr != nil {
		return apierr.New(apierr.CommError, method, "", writeErr)
	}

	timeout := p.cfg.RequestTimeout
	select {
	case r := <-ch:
		if r.Error != nil {
			return apierr.New(apierr.CommError, method, "", fmt.Errorf("%s", r.Error.Message))
		}
		if out != nil && len(r.Result) > 0 {
			if err := json.Unmarshal(r.Result, out); err != nil {
				return apierr.New(apierr.OSError, method, "", err)
			}
		}
		return nil
	case <-ctx.Done():
		return apierr.New(apierr.CommError, method, "", ctx.Err())
	case <-time.After(timeout):
		return apierr.New(apierr.CommError, method, "", fmt.Errorf("timed out waiting for peer"))
	}
}

func (p *Provider) CheckVersion(ctx context.Context) (string, string, error) {
	var out struct{ Required, Observed string }
	err := p.invoke(ctx, "CheckVersion", nil, &out)
	return out.Required, out.Observed, err
}

func (p *Provider) CreateDirectory(ctx context.Context, path string, meta item.AttributeMap) error {
	return p.invoke(ctx, "CreateDirectory", map[string]interface{}{"path": path, "meta": meta}, nil)
}
func (p *Provider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	return p.invoke(ctx, "CreateFile", map[string]interface{}{"path": path, "meta": meta}, nil)
}
func (p *Provider) CreateDirectoryCloneSourceMeta(ctx context.Context, src, dst string) error {
	return p.invoke(ctx, "CreateDirectoryCloneSourceMeta", map[string]interface{}{"src": src, "dst": dst}, nil)
}
func (p *Provider) RemoveDirectory(ctx context.Context, path string) error {
	return p.invoke(ctx, "RemoveDirectory", map[string]interface{}{"path": path}, nil)
}
func (p *Provider) RemoveFile(ctx context.Context, path string) error {
	return p.invoke(ctx, "RemoveFile", map[string]interface{}{"path": path}, nil)
}
func (p *Provider) RenameFile(ctx context.Context, src, dst string) error {
	return p.invoke(ctx, "RenameFile", map[string]interface{}{"src": src, "dst": dst}, nil)
}
func (p *Provider) IsDirectory(ctx context.Context, path string) (bool, error) {
	var out bool
	err := p.invoke(ctx, "IsDirectory", map[string]interface{}{"path": path}, &out)
	return out, err
}
func (p *Provider) IsFile(ctx context.Context, path string) (bool, error) {
	var out bool
	err := p.invoke(ctx, "IsFile", map[string]interface{}{"path": path}, &out)
	return out, err
}
func (p *Provider) IsFileWriteable(ctx context.Context, path string) (bool, error) {
	var out bool
	err := p.invoke(ctx, "IsFileWriteable", map[string]interface{}{"path": path}, &out)
	return out, err
}
func (p *Provider) GetItemMeta(ctx context.Context, path string) (item.AttributeMap, error) {
	var out item.AttributeMap
	err := p.invoke(ctx, "GetItemMeta", map[string]interface{}{"path": path}, &out)
	return out, err
}
func (p *Provider) SetItemMetaKey(ctx context.Context, path, key, value string) error {
	return p.invoke(ctx, "SetItemMetaKey", map[string]interface{}{"path": path, "key": key, "value": value}, nil)
}
func (p *Provider) SetItemMeta(ctx context.Context, path string, meta item.AttributeMap) error {
	return p.invoke(ctx, "SetItemMeta", map[string]interface{}{"path": path, "meta": meta}, nil)
}
func (p *Provider) RemoveItemMeta(ctx context.Context, path, key string) error {
	return p.invoke(ctx, "RemoveItemMeta", map[string]interface{}{"path": path, "key": key}, nil)
}
func (p *Provider) GetDirectoryItems(ctx context.Context, path string) ([]provider.DirectoryItem, error) {
	var out []provider.DirectoryItem
	err := p.invoke(ctx, "GetDirectoryItems", map[string]interface{}{"path": path}, &out)
	return out, err
}
func (p *Provider) GetDirectoryItemCount(ctx context.Context, path string) (uint64, error) {
	var out uint64
	err := p.invoke(ctx, "GetDirectoryItemCount", map[string]interface{}{"path": path}, &out)
	return out, err
}
func (p *Provider) GetFileSize(ctx context.Context, path string) (uint64, error) {
	var out uint64
	err := p.invoke(ctx, "GetFileSize", map[string]interface{}{"path": path}, &out)
	return out, err
}
func (p *Provider) GetTotalDriveSpace(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.invoke(ctx, "GetTotalDriveSpace", nil, &out)
	return out, err
}
func (p *Provider) GetUsedDriveSpace(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.invoke(ctx, "GetUsedDriveSpace", nil, &out)
	return out, err
}
func (p *Provider) GetTotalItemCount(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.invoke(ctx, "GetTotalItemCount", nil, &out)
	return out, err
}
func (p *Provider) GetPinnedFiles(ctx context.Context) ([]string, error) {
	var out []string
	err := p.invoke(ctx, "GetPinnedFiles", nil, &out)
	return out, err
}
func (p *Provider) GetFileList(ctx context.Context, marker *provider.ListMarker) ([]provider.APIFile, error) {
	var out struct {
		Files    []provider.APIFile  `json:"files"`
		Marker   provider.ListMarker `json:"marker"`
	}
	err := p.invoke(ctx, "GetFileList", map[string]interface{}{"marker": marker}, &out)
	if err == nil {
		*marker = out.Marker
	}
	return out.Files, err
}
func (p *Provider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	var out struct {
		Data []byte `json:"data"`
	}
	err := p.invoke(ctx, "ReadFileBytes", map[string]interface{}{"path": path, "length": length, "offset": offset}, &out)
	if err != nil {
		return err
	}
	copy(buf, out.Data)
	return nil
}
func (p *Provider) UploadFile(ctx context.Context, path, sourcePath string, stop provider.StopSignal) error {
	return p.invoke(ctx, "UploadFile", map[string]interface{}{"path": path, "source_path": sourcePath}, nil)
}
func (p *Provider) Start(ctx context.Context, onItemDiscovered provider.OnItemDiscovered) (bool, error) {
	var out bool
	err := p.invoke(ctx, "Start", nil, &out)
	return out, err
}
func (p *Provider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}
func (p *Provider) IsReadOnly() bool {
	var out bool
	_ = p.invoke(context.Background(), "IsReadOnly", nil, &out)
	return out
}
func (p *Provider) IsDirectOnly() bool {
	var out bool
	_ = p.invoke(context.Background(), "IsDirectOnly", nil, &out)
	return out
}

var _ provider.Provider = (*Provider)(nil)
