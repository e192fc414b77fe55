package link

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// MaxFrameSize holds the largest IPv4 datagram.
const MaxFrameSize = 65535

// PoolConfig sizes the frame pool shared by a link's receive path.
type PoolConfig struct {
	Frames               int           // number of buffers in the ring
	FrameSize            int           // capacity of each buffer
	Debug                bool          // ringpool element tracing
	ProcessTimeThreshold time.Duration // warn when a frame is held longer
}

// DefaultPoolConfig suits a single stack on an Ethernet-sized MTU.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Frames:               256,
		FrameSize:            1500,
		ProcessTimeThreshold: 50 * time.Millisecond,
	}
}

// Frame is one received datagram held in a pool buffer.
type Frame struct {
	buf    []byte
	length int
}

// NewFrame is the ringpool constructor; its only parameter is the buffer
// capacity.
func NewFrame(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		logrus.Error("NewFrame: expected a single buffer length parameter")
		return nil
	}
	size, ok := params[0].(int)
	if !ok || size <= 0 || size > MaxFrameSize {
		logrus.Errorf("NewFrame: invalid buffer length %v", params[0])
		return nil
	}
	return &Frame{buf: make([]byte, size)}
}

func (f *Frame) SetContent(s string) {
	f.length = copy(f.buf, s)
}

func (f *Frame) Reset() {
	clear(f.buf[:f.length])
	f.length = 0
}

func (f *Frame) PrintContent() {
	logrus.Debugf("frame: % x", f.buf[:f.length])
}

// Copy replaces the content with src.
func (f *Frame) Copy(src []byte) error {
	if len(src) > len(f.buf) {
		return errors.Errorf("frame copy: source (%d) is longer than buffer (%d)", len(src), len(f.buf))
	}
	if len(src) == 0 {
		return errors.New("frame copy: source is empty")
	}
	f.length = copy(f.buf, src)
	return nil
}

// Fill stores a datagram given as its header and payload parts.
func (f *Frame) Fill(hdr, payload []byte) error {
	if len(hdr)+len(payload) > len(f.buf) {
		return errors.Errorf("frame fill: datagram (%d) is longer than buffer (%d)", len(hdr)+len(payload), len(f.buf))
	}
	n := copy(f.buf, hdr)
	f.length = n + copy(f.buf[n:], payload)
	return nil
}

func (f *Frame) GetSlice() []byte {
	return f.buf[:f.length]
}

// newPool builds the ring of frames for one link.
func newPool(name string, cfg PoolConfig) *rp.RingPool {
	if cfg.Frames <= 0 {
		cfg.Frames = DefaultPoolConfig().Frames
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultPoolConfig().FrameSize
	}
	pool := rp.NewRingPool(name+": ", cfg.Frames, NewFrame, cfg.FrameSize)
	pool.Debug = cfg.Debug
	pool.ProcessTimeThreshold = cfg.ProcessTimeThreshold
	return pool
}
