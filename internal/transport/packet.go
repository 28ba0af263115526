// SPDX-License-Identifier: MIT
package transport

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"spectra/internal/graph"
	"spectra/internal/log"
)

/*
Spectrum packet layout (BigEndian):

	| Field           | Type      | Bytes |
	|-----------------|-----------|-------|
	| Sequence Number | uint32    | 4     |
	| Timestamp       | int64     | 8     |
	| Generation      | uint64    | 8     |
	| Tick            | uint64    | 8     |
	| Degraded        | uint8     | 1     |
	| Bin Count       | uint16    | 2     |
	| Magnitudes      | []float32 | N * 4 |

Frequencies are not carried per packet; they are fixed per generation,
so receivers resolve them once when the generation field changes.
*/

// PacketPublisher packs frames into the binary layout above and sends
// them over UDP. Sends are throttled to at most one packet per
// minInterval; frames arriving faster are dropped, not queued.
type PacketPublisher struct {
	sender      *UDPSender
	minInterval time.Duration

	mu           sync.Mutex
	sequenceNum  uint32
	lastSend     time.Time
	f32Buffer    []float32
	packetBuffer bytes.Buffer
}

// NewPacketPublisher wraps sender. A non-positive minInterval disables
// throttling.
func NewPacketPublisher(sender *UDPSender, minInterval time.Duration) *PacketPublisher {
	return &PacketPublisher{sender: sender, minInterval: minInterval}
}

// Send packs and transmits one frame.
func (p *PacketPublisher) Send(frame graph.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.minInterval > 0 && now.Sub(p.lastSend) < p.minInterval {
		return nil
	}

	n := frame.Bins()
	if cap(p.f32Buffer) < n {
		p.f32Buffer = make([]float32, n)
	}
	p.f32Buffer = p.f32Buffer[:n]
	for i := range n {
		p.f32Buffer[i] = float32(frame.Pairs[2*i+1])
	}

	p.sequenceNum++
	degraded := uint8(0)
	if frame.Degraded {
		degraded = 1
	}

	p.packetBuffer.Reset()
	err := binary.Write(&p.packetBuffer, binary.BigEndian, p.sequenceNum)
	if err == nil {
		err = binary.Write(&p.packetBuffer, binary.BigEndian, now.UnixNano())
	}
	if err == nil {
		err = binary.Write(&p.packetBuffer, binary.BigEndian, uint64(frame.Gen))
	}
	if err == nil {
		err = binary.Write(&p.packetBuffer, binary.BigEndian, frame.Tick)
	}
	if err == nil {
		err = binary.Write(&p.packetBuffer, binary.BigEndian, degraded)
	}
	if err == nil {
		err = binary.Write(&p.packetBuffer, binary.BigEndian, uint16(n))
	}
	if err == nil {
		err = binary.Write(&p.packetBuffer, binary.BigEndian, p.f32Buffer)
	}
	if err != nil {
		return err
	}

	if err := p.sender.Send(p.packetBuffer.Bytes()); err != nil {
		return err
	}
	p.lastSend = now
	log.Debugf("transport: sent packet %d (%d bytes)", p.sequenceNum, p.packetBuffer.Len())
	return nil
}

// Close closes the underlying sender.
func (p *PacketPublisher) Close() error {
	return p.sender.Close()
}

var _ Transport = (*PacketPublisher)(nil)
