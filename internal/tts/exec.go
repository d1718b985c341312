package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// execProvider runs a local command per utterance, e.g. an edge-tts or piper
// wrapper. The command reads one JSON request on stdin and writes JSON lines
// carrying base64 PCM until a line with final=true.
type execProvider struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

func NewExecProvider(command string, sampleRate, channels int) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execProvider{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execProvider) Name() string { return "exec" }

func (e *execProvider) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, unavailable(e.Name(), err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, unavailable(e.Name(), err)
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, unavailable(e.Name(), err)
	}

	var pcm bytes.Buffer
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 32*1024*1024)
	var failure error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			failure = unavailable(e.Name(), fmt.Errorf("decode tts output: %w", err))
			break
		}
		if resp.Error != "" {
			failure = e.reportedError(resp)
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			failure = unavailable(e.Name(), fmt.Errorf("decode pcm: %w", err))
			break
		}
		pcm.Write(chunk)
		if resp.Final {
			break
		}
	}
	if failure == nil {
		if scanErr := scanner.Err(); scanErr != nil {
			failure = unavailable(e.Name(), scanErr)
		}
	}
	if failure != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Audio{}, failure
	}
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, unavailable(e.Name(), fmt.Errorf("tts exec command failed: %w", err))
	}
	return Audio{PCM: pcm.Bytes(), SampleRate: e.sampleRate, Channels: e.channels}, nil
}

func (e *execProvider) reportedError(resp execResponse) error {
	kind := podcast.SynthesisKind(resp.Kind)
	switch kind {
	case podcast.SynthesisRateLimited, podcast.SynthesisVoiceNotFound, podcast.SynthesisQuotaExceeded, podcast.SynthesisProviderUnavailable:
	default:
		kind = podcast.SynthesisProviderUnavailable
	}
	return &podcast.SynthesisError{Kind: kind, Provider: e.Name(), Err: errors.New(resp.Error)}
}
