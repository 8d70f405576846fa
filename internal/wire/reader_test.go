package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestReadFrameSplitsOnSentinel(t *testing.T) {
	a, _ := Encode(SyncAck())
	b, _ := Encode(Restore())
	fr := NewFrameReader(bytes.NewReader(append(append([]byte{}, a...), b...)))

	first, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if !bytes.Equal(first, a) {
		t.Errorf("first frame = %s", first)
	}
	second, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if !bytes.Equal(second, b) {
		t.Errorf("second frame = %s", second)
	}
	if _, err := fr.ReadFrame(); err != io.EOF {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

// A frame followed by raw bytes followed by another frame: the payload must
// come out byte-exact even though the frame scan buffered past the sentinel.
func TestPayloadInterleaving(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB, 0x3C, 0x00, 0x7F}, 3000) // 12000 bytes, > 2 chunks
	head, _ := Encode(Sync("blob.bin", int64(len(payload))))
	tail, _ := Encode(SyncAck())

	var stream bytes.Buffer
	stream.Write(head)
	stream.Write(payload)
	stream.Write(tail)

	fr := NewFrameReader(&stream)
	raw, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("head frame: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode head: %v", err)
	}

	var got bytes.Buffer
	armed := 0
	if err := fr.ReadPayload(&got, f.Size, func() { armed++ }); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatal("payload corrupted in transit")
	}
	if want := (len(payload) + ChunkSize - 1) / ChunkSize; armed != want {
		t.Errorf("arm ran %d times, want %d", armed, want)
	}

	rawTail, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("tail frame: %v", err)
	}
	if ftail, _ := Decode(rawTail); ftail.Service != ServiceSyncAck {
		t.Errorf("tail frame = %s", rawTail)
	}
}

func TestReadPayloadZeroBytes(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(nil))
	var got bytes.Buffer
	if err := fr.ReadPayload(&got, 0, nil); err != nil {
		t.Fatalf("zero payload: %v", err)
	}
	if got.Len() != 0 {
		t.Errorf("wrote %d bytes for empty payload", got.Len())
	}
}

func TestReadPayloadShortStream(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(make([]byte, 100)))
	var got bytes.Buffer
	if err := fr.ReadPayload(&got, 200, nil); err == nil {
		t.Error("expected error on truncated payload")
	}
}

// chunkRecorder captures the size of every Write.
type chunkRecorder struct {
	sizes []int
	data  bytes.Buffer
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.sizes = append(c.sizes, len(p))
	return c.data.Write(p)
}

func TestWritePayloadChunking(t *testing.T) {
	cases := []struct {
		size   int
		chunks []int
	}{
		{0, nil},
		{1, []int{1}},
		{ChunkSize, []int{ChunkSize}},
		{ChunkSize * 2, []int{ChunkSize, ChunkSize}},
		{ChunkSize + 1, []int{ChunkSize, 1}},
	}
	for _, c := range cases {
		src := bytes.Repeat([]byte{0x5A}, c.size)
		rec := &chunkRecorder{}
		if err := WritePayload(rec, bytes.NewReader(src), int64(c.size)); err != nil {
			t.Fatalf("size %d: %v", c.size, err)
		}
		if !bytes.Equal(rec.data.Bytes(), src) {
			t.Fatalf("size %d: data corrupted", c.size)
		}
		if len(rec.sizes) != len(c.chunks) {
			t.Errorf("size %d: %d chunks, want %d", c.size, len(rec.sizes), len(c.chunks))
			continue
		}
		for i, want := range c.chunks {
			if rec.sizes[i] != want {
				t.Errorf("size %d chunk %d: %d bytes, want %d", c.size, i, rec.sizes[i], want)
			}
		}
	}
}
