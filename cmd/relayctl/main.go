// Command relayctl is a command-line voice client for the relay. It sends one
// recorded utterance, prints the conversation events and writes the spoken
// reply to a WAV file.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/gemini-voice-relay/internal/audio"
	"github.com/skypro1111/gemini-voice-relay/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:3000/ws", "Relay WebSocket URL")
	in := flag.String("in", "", "Input audio file (WAV or MP3)")
	out := flag.String("out", "reply.wav", "Output WAV file for the model reply")
	transcript := flag.String("transcript", "", "Optional local transcript of the input")
	interruptAfter := flag.Duration("interrupt-after", 0, "Send an interrupt this long after the utterance (0 disables)")
	timeout := flag.Duration("timeout", 60*time.Second, "Overall time limit")
	playbackRate := flag.Int("playback-rate", audio.DefaultPlaybackSampleRate, "Sample rate of the written reply")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *in == "" {
		fmt.Fprintln(os.Stderr, "relayctl: -in is required")
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		logger:       logger,
		playbackRate: *playbackRate,
	}
	if err := c.run(*url, *in, *out, *transcript, *interruptAfter, *timeout); err != nil {
		logger.Error("Conversation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type client struct {
	logger       *slog.Logger
	playbackRate int

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) run(url, in, out, transcript string, interruptAfter, timeout time.Duration) error {
	capture, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	codec := audio.NewCodec(audio.DefaultCodecConfig(), c.logger)
	container, degraded := codec.EncodeForUpstream(capture)
	if degraded {
		c.logger.Warn("Input could not be decoded; sending silence instead", slog.String("file", in))
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()
	c.conn = conn

	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)

	if err := c.send(protocol.StartSession()); err != nil {
		return err
	}

	ready, err := c.await(protocol.TypeSessionReady)
	if err != nil {
		return err
	}
	c.logger.Info("Session ready", slog.String("session_id", ready.SessionID))

	if err := c.send(protocol.AudioData(container, transcript)); err != nil {
		return err
	}
	c.logger.Info("Utterance sent", slog.Int("bytes", len(container)))

	if interruptAfter > 0 {
		timer := time.AfterFunc(interruptAfter, func() {
			c.logger.Info("Sending interrupt")
			if err := c.send(protocol.Interrupt()); err != nil {
				c.logger.Warn("Failed to send interrupt", slog.String("error", err.Error()))
			}
		})
		defer timer.Stop()
	}

	pcm, rate, err := c.collectReply()
	if err != nil {
		return err
	}

	return c.writeReply(out, pcm, rate)
}

func (c *client) send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) read() (*protocol.Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("connection lost: %w", err)
	}
	return protocol.ParseServerMessage(data)
}

// await reads until a message of msgType arrives. An error event aborts.
func (c *client) await(msgType string) (*protocol.Message, error) {
	for {
		msg, err := c.read()
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case msgType:
			return msg, nil
		case protocol.TypeError:
			return nil, errors.New(msg.Message)
		default:
			c.logger.Debug("Skipping event", slog.String("type", msg.Type))
		}
	}
}

// collectReply prints conversation events until the model turn ends or is
// interrupted, and returns the reply audio.
func (c *client) collectReply() ([]byte, int, error) {
	var (
		fragments []byte
		rate      = c.playbackRate
	)

	for {
		msg, err := c.read()
		if err != nil {
			return nil, 0, err
		}

		switch msg.Type {
		case protocol.TypeUserMessage:
			fmt.Printf("you:    %s\n", msg.Text)

		case protocol.TypeNoResponse:
			fmt.Printf("relay:  %s\n", msg.Message)

		case protocol.TypeStatus:
			fmt.Printf("status: %s\n", msg.State)
			if msg.State == protocol.StatusInterrupted {
				return fragments, rate, nil
			}

		case protocol.TypeAudioResponse:
			data, err := msg.AudioBytes()
			if err != nil {
				return nil, 0, err
			}
			fragments = append(fragments, data...)
			if msg.SampleRate > 0 {
				rate = msg.SampleRate
			}

		case protocol.TypeTurnComplete:
			c.logger.Info("Turn complete", slog.Int("fragments", msg.Fragments))
			if msg.Audio == "" {
				return fragments, rate, nil
			}
			data, err := msg.AudioBytes()
			if err != nil {
				return nil, 0, err
			}
			if msg.SampleRate > 0 {
				rate = msg.SampleRate
			}
			return data, rate, nil

		case protocol.TypeError:
			fmt.Printf("error:  %s\n", msg.Message)
		}
	}
}

func (c *client) writeReply(path string, pcm []byte, rate int) error {
	if len(pcm) == 0 {
		c.logger.Warn("No reply audio received")
		return nil
	}

	buf := audio.DecodeForPlayback(pcm, rate)
	samples := audio.Resample(buf.Samples, rate, c.playbackRate, audio.DefaultResampleTolerance)

	container, err := audio.EncodeContainer(audio.FloatToPCM16(samples), c.playbackRate)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, container, 0644); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}

	c.logger.Info("Reply written",
		slog.String("file", path),
		slog.Duration("duration", buf.Duration()),
		slog.Float64("peak", buf.Peak()),
		slog.Int("sample_rate", c.playbackRate),
	)
	return nil
}
