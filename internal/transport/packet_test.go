package transport

import (
	"encoding/binary"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectra/internal/graph"
)

func listenUDP(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().String()
}

func testFrame() graph.Frame {
	return graph.Frame{
		Tick:     42,
		Gen:      3,
		Degraded: true,
		Pairs: []float64{
			55, 0.25,
			110, 0.5,
			220, 0.125,
		},
	}
}

func TestPacketPublisherWireFormat(t *testing.T) {
	conn, addr := listenUDP(t)

	sender, err := NewUDPSender(addr)
	require.NoError(t, err)
	pub := NewPacketPublisher(sender, 0)
	defer pub.Close()

	require.NoError(t, pub.Send(testFrame()))

	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 4+8+8+8+1+2+3*4, n)

	pkt := buf[:n]
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(pkt[0:4]))
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(pkt[12:20]), "generation")
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(pkt[20:28]), "tick")
	assert.Equal(t, uint8(1), pkt[28], "degraded flag")
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(pkt[29:31]), "bin count")

	mags := pkt[31:]
	for i, want := range []float32{0.25, 0.5, 0.125} {
		bits := binary.BigEndian.Uint32(mags[i*4 : i*4+4])
		assert.Equal(t, want, math.Float32frombits(bits))
	}
}

func TestPacketPublisherThrottles(t *testing.T) {
	_, addr := listenUDP(t)

	sender, err := NewUDPSender(addr)
	require.NoError(t, err)
	pub := NewPacketPublisher(sender, time.Hour)
	defer pub.Close()

	require.NoError(t, pub.Send(testFrame()))
	require.NoError(t, pub.Send(testFrame()))

	pub.mu.Lock()
	seq := pub.sequenceNum
	pub.mu.Unlock()
	assert.Equal(t, uint32(1), seq, "second frame inside the interval is dropped")
}

type failingTransport struct{ calls int }

func (f *failingTransport) Send(frame graph.Frame) error {
	f.calls++
	return errors.New("sink down")
}
func (f *failingTransport) Close() error { return nil }

func TestFanOutAbsorbsSendFailures(t *testing.T) {
	bad := &failingTransport{}
	good := &failingTransport{}
	fan := NewFanOut(bad, good)

	require.NoError(t, fan.Deliver(testFrame()), "a failing sink must not surface into the graph")
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, good.calls)
}
