package frames

import "sync"

// Telephony audio arrives as a steady 20ms drip per call; pooling the
// payload buffers keeps the per-chunk allocations off the GC.
var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

// NewAudioFrameFromPool copies data into a pooled buffer. The frame
// owns the buffer until ReleaseAudioFrame returns it.
func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		header: newHeader(streamID, pts, meta),
		data:   buf,
		rate:   rate,
		ch:     ch,
		pooled: true,
	}
}

// ReleaseAudioFrame returns a pooled payload to the pool. Frames built
// with NewAudioFrame are left alone; the return value reports whether
// a buffer actually went back.
func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		ap, ok := f.(*AudioFrame)
		if !ok {
			return false
		}
		af = *ap
	}
	if !af.pooled {
		return false
	}
	ReleaseAudioBuf(af.data)
	return true
}
