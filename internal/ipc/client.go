package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// CallError is a non-zero result code returned by the daemon.
type CallError struct {
	Code int32
	Msg  string
}

func (e *CallError) Error() string {
	switch e.Code {
	case CodeValidation:
		return "rejected: " + e.Msg
	case CodeNotFound:
		return "not found: " + e.Msg
	case CodeNotConnected:
		return "not connected: " + e.Msg
	}
	return fmt.Sprintf("internal error (%d): %s", e.Code, e.Msg)
}

// Client calls the Manager object on the system bus.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

func Dial() (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Client{conn: conn, obj: conn.Object(ServiceName, ObjectPath)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method and returns the body of a successful reply.
func (c *Client) Call(method string, args ...interface{}) (string, error) {
	var (
		code int32
		body string
	)
	if err := c.obj.Call(InterfaceName+"."+method, 0, args...).Store(&code, &body); err != nil {
		return "", fmt.Errorf("call %s: %w", method, err)
	}
	if code != CodeOK {
		return "", &CallError{Code: code, Msg: body}
	}
	return body, nil
}

// CallJSON is Call with the body decoded into out.
func (c *Client) CallJSON(out any, method string, args ...interface{}) error {
	body, err := c.Call(method, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}
