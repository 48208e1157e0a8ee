package ipc

import (
	"fmt"
	"net"
	"time"

	"github.com/waybridge/waybridge/internal/logger"
)

// Client talks to a running waybridge instance.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates an IPC client against the default socket path.
func NewClient() (*Client, error) {
	socketPath, err := GetSocketPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get socket path: %w", err)
	}
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}, nil
}

// NewClientWithTimeout creates an IPC client with a custom timeout.
func NewClientWithTimeout(timeout time.Duration) (*Client, error) {
	client, err := NewClient()
	if err != nil {
		return nil, err
	}
	client.timeout = timeout
	return client, nil
}

// SendStatus queries the running instance's status.
func (c *Client) SendStatus() (*StatusResponse, error) {
	response, err := c.sendMessage(NewStatusMessage())
	if err != nil {
		return nil, err
	}
	switch response.Type {
	case TypeStatusResponse:
		if response.Status == nil {
			return nil, fmt.Errorf("status response missing payload")
		}
		return response.Status, nil
	case TypeError:
		return nil, fmt.Errorf("server error: %s", response.Error)
	default:
		return nil, fmt.Errorf("unexpected response type: %s", response.Type)
	}
}

// sendMessage sends one request and reads one response on a fresh
// connection.
func (c *Client) sendMessage(msg Message) (Message, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		if isConnectionRefused(err) {
			return Message{}, fmt.Errorf("waybridge is not running")
		}
		return Message{}, fmt.Errorf("failed to connect to waybridge: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Errorf("Failed to close IPC connection: %v", err)
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		logger.Warnf("Failed to set connection deadline: %v", err)
	}

	if err := WriteMessage(conn, msg); err != nil {
		return Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	response, err := ReadMessage(conn)
	if err != nil {
		return Message{}, fmt.Errorf("failed to read response: %w", err)
	}
	return response, nil
}

func isConnectionRefused(err error) bool {
	if netErr, ok := err.(*net.OpError); ok {
		if netErr.Op == "dial" {
			return true
		}
	}
	return false
}

// IsRunning reports whether a waybridge instance answers on the socket.
func IsRunning() bool {
	client, err := NewClient()
	if err != nil {
		return false
	}
	_, err = client.SendStatus()
	return err == nil
}
