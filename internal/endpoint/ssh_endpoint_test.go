package endpoint

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestDialDetachedClosesLateConnection(t *testing.T) {
	serverSide, peer := net.Pipe()
	release := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	conn, err := dialDetached(ctx, func() (net.Conn, error) {
		<-release
		return serverSide, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if conn != nil {
		t.Fatal("no connection expected after timeout")
	}

	// Let the dial finish late; the abandoned connection must be closed, not
	// leaked against the server's channel limit.
	close(release)

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := peer.Read(buf); err != io.EOF {
		t.Errorf("peer read error %v, want EOF from the closed late connection", err)
	}
}

func TestDialDetachedReturnsCompletedDial(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	conn, err := dialDetached(context.Background(), func() (net.Conn, error) {
		return a, nil
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if conn != a {
		t.Fatal("returned connection is not the dialed one")
	}
}
