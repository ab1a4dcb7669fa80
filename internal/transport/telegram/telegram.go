// Package telegram implements transport.Conn on top of gopkg.in/telebot.v4
// long polling. One Conn wraps one tenant's bot identity.
package telegram

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

type Conn struct {
	cfg transport.Config
	log logx.Logger

	bot       *tele.Bot
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedContacts counts contacts dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedContacts uint64
}

// Dial builds a live connection for one tenant bot. It validates the token
// against the Telegram API (telebot calls getMe during NewBot).
func Dial(cfg transport.Config, log logx.Logger) (transport.Conn, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Conn{cfg: cfg, log: log.With(logx.String("bot", cfg.Username)), bot: b}, nil
}

var _ transport.Dialer = Dial

func (c *Conn) Start(ctx context.Context, out chan<- transport.Contact) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	rctx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.runWG.Add(2)
	c.runMu.Unlock()

	// Periodic summary for dropped contacts (avoid noisy per-update logs).
	go func() {
		defer c.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&c.droppedContacts, 0); n > 0 {
					c.log.Warn("inbound contacts dropped (channel full)", logx.Any("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&c.droppedContacts, 0); n > 0 {
					c.log.Warn("inbound contacts dropped (channel full)", logx.Any("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	forward := func(m *tele.Message, isStart bool) {
		if m == nil || m.Sender == nil || !m.Private() {
			return
		}
		ct := transport.Contact{
			SubscriberID: m.Sender.ID,
			Username:     m.Sender.Username,
			FirstName:    m.Sender.FirstName,
			LastName:     m.Sender.LastName,
			Text:         m.Text,
			IsStart:      isStart,
		}
		select {
		case out <- ct:
		default:
			atomic.AddUint64(&c.droppedContacts, 1)
		}
	}

	c.bot.Handle("/start", func(tc tele.Context) error {
		forward(tc.Message(), true)
		return nil
	})
	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		forward(tc.Message(), false)
		return nil
	})

	go func() {
		defer c.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			c.bot.Stop()
		}()
		c.log.Info("polling started")
		c.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (c *Conn) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	c.runMu.Lock()
	cancel := c.runCancel
	c.runCancel = nil
	wasRunning := c.running
	c.running = false
	c.runMu.Unlock()

	if !wasRunning {
		c.log.Debug("stop called but not running")
		return nil
	}

	if cancel != nil {
		cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if c.bot != nil {
		go c.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		c.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		c.log.Warn("stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		c.log.Warn("stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (c *Conn) SendText(ctx context.Context, chatID int64, text string) error {
	return c.sendBounded(ctx, func() error {
		_, err := c.bot.Send(&tele.Chat{ID: chatID}, text)
		return err
	})
}

// SendAttachment delivers a stored file reference with a caption. A reference
// naming an existing local path is uploaded as a document; otherwise it is
// treated as a Telegram file_id and tried as a document first, then as a photo
// (file ids issued for photos are rejected by sendDocument).
func (c *Conn) SendAttachment(ctx context.Context, chatID int64, fileRef, caption string) error {
	return c.sendBounded(ctx, func() error {
		chat := &tele.Chat{ID: chatID}
		if _, err := os.Stat(fileRef); err == nil {
			doc := &tele.Document{File: tele.FromDisk(fileRef), Caption: caption}
			_, err := c.bot.Send(chat, doc)
			return err
		}
		doc := &tele.Document{File: tele.File{FileID: fileRef}, Caption: caption}
		if _, err := c.bot.Send(chat, doc); err == nil {
			return nil
		}
		photo := &tele.Photo{File: tele.File{FileID: fileRef}, Caption: caption}
		_, err := c.bot.Send(chat, photo)
		return err
	})
}

// sendBounded runs one blocking telebot call but returns as soon as ctx
// expires, so an unreachable recipient cannot stall a whole fan-out.
func (c *Conn) sendBounded(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
