// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications delivers engine events to Telegram. Delivery is
// best-effort: a full queue or a failed send is logged and dropped, never
// surfaced to the caller.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qgov/internal/models"
)

const (
	queueCapacity  = 100
	requestTimeout = 10 * time.Second
)

type message struct {
	title string
	body  string
}

// Service queues notification messages and delivers them from a single
// worker goroutine so engine ticks never block on Telegram.
type Service struct {
	settingStore *models.AppSettingStore
	queue        chan *message
	wg           sync.WaitGroup

	mu     sync.Mutex
	client *http.Client
	proxy  string
}

func NewService(settingStore *models.AppSettingStore) *Service {
	s := &Service{
		settingStore: settingStore,
		queue:        make(chan *message, queueCapacity),
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// Send enqueues a notification. It never blocks and never returns an error;
// when the queue is full the message is dropped.
func (s *Service) Send(title, body string) {
	select {
	case s.queue <- &message{title: title, body: body}:
	default:
		log.Warn().Str("title", title).Msg("notifications: queue full, dropping message")
	}
}

// Stop drains the queue and waits for the worker to exit.
func (s *Service) Stop() {
	s.queue <- nil
	s.wg.Wait()
}

func (s *Service) worker() {
	defer s.wg.Done()

	for msg := range s.queue {
		if msg == nil {
			return
		}
		s.deliver(msg)
	}
}

func (s *Service) deliver(msg *message) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	token, err := s.settingStore.Get(ctx, models.SettingTelegramBotToken, "")
	if err != nil || token == "" {
		return
	}
	chatID, err := s.settingStore.Get(ctx, models.SettingTelegramChatID, "")
	if err != nil || chatID == "" {
		return
	}
	proxy, _ := s.settingStore.Get(ctx, models.SettingGlobalProxy, "")

	client, err := s.httpClient(proxy)
	if err != nil {
		log.Warn().Err(err).Msg("notifications: invalid proxy, skipping send")
		return
	}

	payload := map[string]string{
		"chat_id":    chatID,
		"text":       fmt.Sprintf("*%s*\n%s", escapeMarkdown(msg.title), msg.body),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("notifications: telegram send failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("notifications: telegram rejected message")
	}
}

// httpClient rebuilds the client when the proxy setting changes.
func (s *Service) httpClient(proxy string) (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.proxy == proxy {
		return s.client, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	s.client = &http.Client{Timeout: requestTimeout, Transport: transport}
	s.proxy = proxy
	return s.client, nil
}

// escapeMarkdown escapes the title so torrent names cannot break formatting.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[")
	return replacer.Replace(s)
}
