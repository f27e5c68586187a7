package controlplane

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	srv := NewServer(SwitchInfo{
		Mac:     0x0000aabbccddeeff,
		Ipv4:    0x7f000001,
		UdpPort: 45678,
		Rkey:    0x1234,
	})
	_, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	client, err := Dial("127.0.0.1", srv.Port())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestBroadcastPropagatesRootValue(t *testing.T) {
	srv, client := startTestServer(t)

	const numWorkers = 3
	client2, err := Dial("127.0.0.1", srv.Port())
	require.NoError(t, err)
	defer client2.Close()
	client3, err := Dial("127.0.0.1", srv.Port())
	require.NoError(t, err)
	defer client3.Close()

	clients := []*Client{client, client2, client3}
	values := make([]uint64, numWorkers)
	var wg sync.WaitGroup
	for rank := 0; rank < numWorkers; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			value := uint64(0)
			if rank == 0 {
				value = 0xdeadbeef
			}
			resp, err := clients[rank].Broadcast(context.Background(), &BroadcastRequest{
				Value:      value,
				Rank:       uint16(rank),
				NumWorkers: numWorkers,
				Root:       0,
			})
			require.NoError(t, err)
			values[rank] = resp.Value
		}(rank)
	}
	wg.Wait()

	for rank, v := range values {
		assert.EqualValues(t, 0xdeadbeef, v, "rank %d", rank)
	}
}

func TestBarrierReleasesAllWorkers(t *testing.T) {
	_, client := startTestServer(t)

	const numWorkers = 4
	var wg sync.WaitGroup
	for rank := 0; rank < numWorkers; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, client.Barrier(context.Background(), &BarrierRequest{NumWorkers: numWorkers}))
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	<-done
}

func TestUdpSessionHandsOutSwitchAddress(t *testing.T) {
	srv, client := startTestServer(t)

	resp, err := client.CreateUdpSession(context.Background(), &UdpSessionRequest{
		SessionID:   42,
		Rank:        0,
		NumWorkers:  1,
		Ipv4:        0x0a000001,
		UdpPort:     50000,
		PacketNumel: 256,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, resp.SessionID)
	assert.EqualValues(t, 0x7f000001, resp.Ipv4)
	assert.EqualValues(t, 45678, resp.UdpPort)

	sessions := srv.Controller.UdpSessions()
	require.Len(t, sessions, 1)
	assert.EqualValues(t, 256, sessions[0].PacketNumel)
}

func TestRdmaSessionMirrorsQueuePairs(t *testing.T) {
	srv, client := startTestServer(t)

	resp, err := client.CreateRdmaSession(context.Background(), &RdmaSessionRequest{
		SessionID:   7,
		Rank:        0,
		NumWorkers:  1,
		Rkey:        0xbeef,
		PacketNumel: 64,
		MessageSize: 1024,
		Qpns:        []uint32{0x1000, 0x1001},
		Psns:        []uint32{0x800, 0x800},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0x1234, resp.Rkey)
	assert.Equal(t, []uint32{0x1000, 0x1001}, resp.Qpns)
	assert.Equal(t, []uint32{0x800, 0x800}, resp.Psns)

	require.Len(t, srv.Controller.RdmaSessions(), 1)
}
