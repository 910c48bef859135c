package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"

	"github.com/AndrewLester/netclock/pkg/netclock"
)

const serviceName = "Netclock"

type StatusSource interface {
	Status() netclock.Status
}

// Server answers status requests on a unix socket.
type Server struct {
	Socket string
	Source StatusSource
}

type StatusService struct {
	source StatusSource
}

func (s *StatusService) FetchStatus(args int, reply *netclock.Status) error {
	*reply = s.source.Status()
	return nil
}

// Listen serves until ctx is cancelled. A stale socket file from an earlier
// run is replaced.
func (s *Server) Listen(ctx context.Context) error {
	server := rpc.NewServer()
	if err := server.RegisterName(serviceName, &StatusService{source: s.Source}); err != nil {
		return err
	}

	err := os.Remove(s.Socket)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bind error: %w", err)
	}

	l, err := net.Listen("unix", s.Socket)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	server.Accept(l)
	os.Remove(s.Socket)
	return nil
}

type Client struct {
	*rpc.Client
}

func Dial(socket string) (*Client, error) {
	client, err := rpc.Dial("unix", socket)
	if err != nil {
		return nil, err
	}
	return &Client{client}, nil
}

func (c *Client) FetchStatus() (netclock.Status, error) {
	var reply netclock.Status
	err := c.Call(serviceName+".FetchStatus", 0, &reply)
	return reply, err
}
