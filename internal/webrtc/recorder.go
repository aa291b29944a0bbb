package webrtc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"livecast/native/internal/domain"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// Recorder writes remote tracks to files in a directory: VP8 to .ivf, Opus
// to .ogg and H264 to an Annex-B .h264 stream. Other codecs are drained.
type Recorder struct {
	dir    string
	logger *zap.SugaredLogger

	wg sync.WaitGroup
}

// NewRecorder creates a recorder writing into dir, which is created if missing.
func NewRecorder(dir string, logger *zap.SugaredLogger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{dir: dir, logger: logger.Named("recorder")}, nil
}

// Record starts copying rt to a new file and returns its path, or "" when
// the codec is not recorded. Copying stops when the track ends.
func (r *Recorder) Record(rt domain.RemoteTrack) (string, error) {
	track := rt.Track
	codec := track.Codec()
	base := fmt.Sprintf("%s-%s-%d", track.Kind().String(), sanitize(track.StreamID()), time.Now().UnixMilli())

	var (
		w    media.Writer
		path string
		err  error
	)
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(pion.MimeTypeVP8):
		path = filepath.Join(r.dir, base+".ivf")
		w, err = ivfwriter.New(path)
	case strings.ToLower(pion.MimeTypeOpus):
		path = filepath.Join(r.dir, base+".ogg")
		w, err = oggwriter.New(path, codec.ClockRate, codec.Channels)
	case strings.ToLower(pion.MimeTypeH264):
		path = filepath.Join(r.dir, base+".h264")
		w, err = newAnnexBWriter(path)
	default:
		r.logger.Infow("not recording codec, draining", "codec", codec.MimeType)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			drainTrack(track)
		}()
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	r.logger.Infow("recording track", "kind", track.Kind().String(), "codec", codec.MimeType, "path", path)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.copy(track, w, path)
	}()
	return path, nil
}

// Wait blocks until every recording has ended.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) copy(track *pion.TrackRemote, w media.Writer, path string) {
	defer func() {
		if err := w.Close(); err != nil {
			r.logger.Warnw("close recording", "path", path, "error", err)
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				r.logger.Debugw("track read ended", "path", path, "error", err)
			}
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			r.logger.Warnw("write recording", "path", path, "error", err)
			return
		}
	}
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func sanitize(s string) string {
	if s == "" {
		return "stream"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// annexBWriter writes depacketized H264 NAL units with start codes.
type annexBWriter struct {
	f      *os.File
	buf    *bufio.Writer
	depack *H264Depacketizer
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

func newAnnexBWriter(path string) (*annexBWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &annexBWriter{f: f, buf: bufio.NewWriter(f), depack: NewH264Depacketizer()}, nil
}

func (w *annexBWriter) WriteRTP(pkt *rtp.Packet) error {
	for _, nalu := range w.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if _, err := w.buf.Write(annexBStartCode); err != nil {
			return err
		}
		if _, err := w.buf.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (w *annexBWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
