// Package media supplies local "camera" and "microphone" tracks read from
// files: IVF or H264 Annex-B for video and Ogg/Opus for audio, each paced by
// its own timing and looped at end of file.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"livecast/native/internal/domain"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	opusFrameDuration  = 20 * time.Millisecond
	opusClockRate      = 48000
	defaultFrameLength = time.Second / 30
)

// opusSilence is a single 20ms Opus frame of silence (TOC 0xf8, CELT FB).
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FileSource acquires local media from files. Without an audio file the
// microphone produces Opus silence.
type FileSource struct {
	videoFile string
	audioFile string
	logger    *zap.SugaredLogger
}

// NewFileSource creates a media source over a video file and an Ogg audio
// file; either may be empty. Video files named *.h264 or *.264 are read as an
// H264 Annex-B stream at 30 fps, anything else as IVF.
func NewFileSource(videoFile, audioFile string, logger *zap.SugaredLogger) *FileSource {
	return &FileSource{
		videoFile: videoFile,
		audioFile: audioFile,
		logger:    logger.Named("media"),
	}
}

// Acquire opens the requested tracks and starts pacing them. Audio starts
// enabled.
func (s *FileSource) Acquire(ctx context.Context, c domain.Constraints) (domain.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Video && !c.Audio {
		return nil, fmt.Errorf("%w: no tracks requested", domain.ErrMediaUnavailable)
	}

	var (
		videoMime string
		err       error
	)
	if c.Video {
		if s.videoFile == "" {
			return nil, fmt.Errorf("%w: no video file configured", domain.ErrMediaUnavailable)
		}
		if videoMime, err = inspectVideo(s.videoFile); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
		}
	}
	if c.Audio && s.audioFile != "" {
		if err := inspectOgg(s.audioFile); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
		}
	}

	stream := newStream("livecast-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])

	if c.Video {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: videoMime}, "video", stream.id)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		stream.add(track)
		stream.run(func(ctx context.Context) { s.pumpVideo(ctx, track, videoMime) })
	}

	if c.Audio {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  2,
		}, "audio", stream.id)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		stream.add(track)
		if s.audioFile != "" {
			stream.run(func(ctx context.Context) { s.pumpOgg(ctx, track, stream) })
		} else {
			stream.run(func(ctx context.Context) { pumpSilence(ctx, track) })
		}
	}

	s.logger.Infow("local media acquired", "stream", stream.id, "video", c.Video, "audio", c.Audio)
	return stream, nil
}

func isAnnexB(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264":
		return true
	}
	return false
}

func inspectVideo(path string) (string, error) {
	if isAnnexB(path) {
		return pion.MimeTypeH264, inspectH264(path)
	}
	return inspectIVF(path)
}

func inspectH264(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		return fmt.Errorf("read h264 stream: %w", err)
	}
	if _, err := reader.NextNAL(); err != nil {
		return fmt.Errorf("read first NAL: %w", err)
	}
	return nil
}

func inspectIVF(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", fmt.Errorf("read ivf header: %w", err)
	}
	switch header.FourCC {
	case "VP80":
		return pion.MimeTypeVP8, nil
	case "VP90":
		return pion.MimeTypeVP9, nil
	case "AV01":
		return pion.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", header.FourCC)
}

func inspectOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, err := oggreader.NewWith(f); err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}
	return nil
}

func (s *FileSource) pumpVideo(ctx context.Context, track *pion.TrackLocalStaticSample, mime string) {
	play := s.playIVF
	if mime == pion.MimeTypeH264 {
		play = s.playH264
	}
	for ctx.Err() == nil {
		if err := play(ctx, track); err != nil {
			s.logger.Warnw("video playback stopped", "file", s.videoFile, "error", err)
			return
		}
	}
}

// playIVF plays the file once; it returns nil at end of file.
func (s *FileSource) playIVF(ctx context.Context, track *pion.TrackLocalStaticSample) error {
	f, err := os.Open(s.videoFile)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}

	frameLength := defaultFrameLength
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameLength = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameLength)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameLength}); err != nil {
			s.logger.Debugw("write video sample", "error", err)
		}
	}
}

// playH264 plays an Annex-B file once. Parameter sets go out immediately;
// each slice waits for the next frame tick.
func (s *FileSource) playH264(ctx context.Context, track *pion.TrackLocalStaticSample) error {
	f, err := os.Open(s.videoFile)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(defaultFrameLength)
	defer ticker.Stop()

	slices := 0
	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			if slices == 0 {
				return errors.New("no coded slices in file")
			}
			return nil
		}
		if err != nil {
			return err
		}

		var duration time.Duration
		switch nal.UnitType {
		case h264reader.NalUnitTypeCodedSliceIdr, h264reader.NalUnitTypeCodedSliceNonIdr:
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			duration = defaultFrameLength
			slices++
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := track.WriteSample(media.Sample{Data: nal.Data, Duration: duration}); err != nil {
			s.logger.Debugw("write video sample", "error", err)
		}
	}
}

func (s *FileSource) pumpOgg(ctx context.Context, track *pion.TrackLocalStaticSample, gate *Stream) {
	for ctx.Err() == nil {
		if err := s.playOgg(ctx, track, gate); err != nil {
			s.logger.Warnw("audio playback stopped", "file", s.audioFile, "error", err)
			return
		}
	}
}

// playOgg plays the file once, substituting silence while the gate is closed.
func (s *FileSource) playOgg(ctx context.Context, track *pion.TrackLocalStaticSample, gate *Stream) error {
	f, err := os.Open(s.audioFile)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		duration := opusFrameDuration
		if header.GranulePosition > lastGranule {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		}
		lastGranule = header.GranulePosition

		if !gate.AudioEnabled() {
			page = opusSilence
		}
		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			s.logger.Debugw("write audio sample", "error", err)
		}
	}
}

func pumpSilence(ctx context.Context, track *pion.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
		}
	}
}
