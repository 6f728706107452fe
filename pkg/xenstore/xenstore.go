// Copyright 2026 The xenvmi Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package xenstore is a minimal client for the xenstored directory
// service: the hierarchical key-value store where the toolstack publishes
// domain names, identifiers and metadata.
//
// The driver only needs lookups (domain name to domid, domid to UUID), so
// only the read-side protocol is implemented: no transactions, no
// watches.
package xenstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultSocket is where xenstored listens in a standard install.
const DefaultSocket = "/var/run/xenstored/socket"

// Message types (xsd_sockmsg_type). Only the read side is used.
const (
	opDirectory = 1
	opRead      = 2
	opError     = 16
)

// header mirrors struct xsd_sockmsg.
type header struct {
	Type  uint32
	ReqID uint32
	TxID  uint32
	Len   uint32
}

const headerSize = 16

// maxPayload bounds a sane xenstored response; the daemon itself caps
// payloads at 4096.
const maxPayload = 4096

// Client is a connection to xenstored. It is safe for concurrent use;
// requests are serialized on the connection.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	reqID uint32
}

// Dial connects to the xenstored socket, retrying with exponential
// backoff: right after domain creation the daemon can be briefly
// unavailable to new connections. An empty path uses DefaultSocket, or
// the XENSTORED_PATH environment variable when set.
func Dial(path string) (*Client, error) {
	if path == "" {
		path = os.Getenv("XENSTORED_PATH")
	}
	if path == "" {
		path = DefaultSocket
	}

	var conn net.Conn
	dial := func() error {
		var err error
		conn, err = net.DialTimeout("unix", path, time.Second)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("connecting to xenstored at %s: %w", path, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request and reads its reply payload.
func (c *Client) roundTrip(op uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reqID++
	h := header{
		Type:  op,
		ReqID: c.reqID,
		Len:   uint32(len(payload)),
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	buf.Write(payload)
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("xenstore write: %w", err)
	}

	var rh header
	if err := binary.Read(c.conn, binary.LittleEndian, &rh); err != nil {
		return nil, fmt.Errorf("xenstore read: %w", err)
	}
	if rh.Len > maxPayload {
		return nil, fmt.Errorf("xenstore reply of %d bytes exceeds limit", rh.Len)
	}
	reply := make([]byte, rh.Len)
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		return nil, fmt.Errorf("xenstore read: %w", err)
	}

	if rh.Type == opError {
		return nil, fmt.Errorf("xenstore: %s", string(bytes.TrimRight(reply, "\x00")))
	}
	if rh.Type != op || rh.ReqID != c.reqID {
		return nil, fmt.Errorf("xenstore: mismatched reply (type %d, req %d)", rh.Type, rh.ReqID)
	}
	return reply, nil
}

// Read returns the value of a node.
func (c *Client) Read(path string) (string, error) {
	reply, err := c.roundTrip(opRead, append([]byte(path), 0))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(reply, "\x00")), nil
}

// Directory lists the children of a node.
func (c *Client) Directory(path string) ([]string, error) {
	reply, err := c.roundTrip(opDirectory, append([]byte(path), 0))
	if err != nil {
		return nil, err
	}
	var children []string
	for _, name := range bytes.Split(bytes.TrimRight(reply, "\x00"), []byte{0}) {
		if len(name) > 0 {
			children = append(children, string(name))
		}
	}
	return children, nil
}

// DomainID resolves a human-readable domain name to its numeric id by
// scanning /local/domain. When several domains carry the same name the
// highest id wins, matching toolstack behavior for respawned domains.
func (c *Client) DomainID(name string) (uint16, error) {
	domains, err := c.Directory("/local/domain")
	if err != nil {
		return 0, err
	}
	found := false
	var domid uint16
	for _, d := range domains {
		candidate, err := c.Read("/local/domain/" + d + "/name")
		if err != nil || candidate != name {
			continue
		}
		id, err := strconv.ParseUint(d, 10, 16)
		if err != nil {
			continue
		}
		if !found || uint16(id) > domid {
			domid = uint16(id)
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("no domain named %q", name)
	}
	return domid, nil
}

// UUID returns a domain's unique identifier, read through the domain's vm
// node.
func (c *Client) UUID(domid uint16) (string, error) {
	vmPath, err := c.Read(fmt.Sprintf("/local/domain/%d/vm", domid))
	if err != nil {
		return "", err
	}
	if vmPath == "" {
		return "", fmt.Errorf("domain %d has no vm node", domid)
	}
	return c.Read(vmPath + "/uuid")
}
