package datapath

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiccore/quiccore/conn"
)

func TestListenAndDialRoundTripSendsDatagram(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := DialUDP(server.LocalAddress().String())
	require.NoError(t, err)
	defer client.Close()

	received := make(chan conn.Datagram, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = server.Run(ctx, func(dgs []conn.Datagram) {
			for _, dg := range dgs {
				select {
				case received <- dg:
				default:
				}
			}
		})
	}()

	require.NoError(t, client.Send(context.Background(), []conn.Datagram{{Data: []byte("hello")}}))

	select {
	case dg := <-received:
		assert.Equal(t, []byte("hello"), dg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestLocalMTUReturnsDefault(t *testing.T) {
	u := &UDP{}
	assert.Equal(t, defaultMTU, u.LocalMTU())
}

func TestResolveAddressRejectsUnknownHost(t *testing.T) {
	u := &UDP{}
	_, err := u.ResolveAddress(context.Background(), "")
	assert.Error(t, err)
}
