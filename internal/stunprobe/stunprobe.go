// Package stunprobe asks a STUN server which address it sees us as. The peer
// CLI uses it to tell "no route to the STUN server" apart from "ICE failed".
package stunprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pion/stun/v3"
)

const defaultPort = "3478"

type Result struct {
	Server string
	Local  net.Addr
	Mapped *net.UDPAddr
}

// Discover sends one binding request to server ("stun:host[:port]" or
// "host:port") and returns the XOR-mapped address from the response.
func Discover(ctx context.Context, server string) (Result, error) {
	addr, err := serverAddr(server)
	if err != nil {
		return Result{}, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial stun server %s: %w", addr, err)
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return Result{}, fmt.Errorf("stun client: %w", err)
	}
	defer client.Close()

	type outcome struct {
		mapped *net.UDPAddr
		err    error
	}
	done := make(chan outcome, 1)

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = client.Start(req, func(ev stun.Event) {
		if ev.Error != nil {
			done <- outcome{err: ev.Error}
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(ev.Message); err != nil {
			done <- outcome{err: fmt.Errorf("read xor-mapped address: %w", err)}
			return
		}
		done <- outcome{mapped: &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}}
	})
	if err != nil {
		return Result{}, fmt.Errorf("send binding request: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return Result{}, fmt.Errorf("binding request to %s: %w", addr, out.err)
		}
		return Result{Server: addr, Local: conn.LocalAddr(), Mapped: out.mapped}, nil
	}
}

func serverAddr(server string) (string, error) {
	s := strings.TrimSpace(server)
	s = strings.TrimPrefix(s, "stun:")
	// Query parameters (e.g. "?transport=udp") are not meaningful here.
	s, _, _ = strings.Cut(s, "?")
	if s == "" {
		return "", errors.New("empty stun server")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return net.JoinHostPort(strings.Trim(s, "[]"), defaultPort), nil
	}
	return s, nil
}
