package ots

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// ErrCommitmentNotFound — календарь ещё не знает коммитмент (нет апгрейда).
var ErrCommitmentNotFound = errors.New("коммитмент не найден в календаре")

// ErrCalendar — календарь недоступен или вернул ошибку.
var ErrCalendar = errors.New("календарь OpenTimestamps недоступен")

const (
	acceptHeader = "application/vnd.opentimestamps.v1"
	// maxCalendarResponse — предел размера ответа календаря
	maxCalendarResponse = 10000
)

// calendar — удалённый календарь OpenTimestamps.
type calendar struct {
	url       string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newCalendar(url string, client *http.Client, limiter *rate.Limiter, userAgent string) *calendar {
	return &calendar{
		url:       strings.TrimRight(url, "/"),
		client:    client,
		limiter:   limiter,
		userAgent: userAgent,
	}
}

// submit отправляет дайджест и возвращает дерево от него к аттестации календаря.
func (c *calendar) submit(ctx context.Context, digest []byte) (*Timestamp, error) {
	body, err := c.do(ctx, http.MethodPost, c.url+"/digest", digest)
	if err != nil {
		return nil, err
	}
	return c.decode(body, digest)
}

// get запрашивает обновлённое дерево для коммитмента.
// 404 означает, что апгрейда пока нет (ErrCommitmentNotFound).
func (c *calendar) get(ctx context.Context, commitment []byte) (*Timestamp, error) {
	body, err := c.do(ctx, http.MethodGet, c.url+"/timestamp/"+hex.EncodeToString(commitment), nil)
	if err != nil {
		return nil, err
	}
	return c.decode(body, commitment)
}

func (c *calendar) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCalendar, c.url, err)
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCalendar, c.url, err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCalendar, c.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCalendarResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: чтение ответа: %v", ErrCalendar, c.url, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return nil, fmt.Errorf("%w: %s: %s", ErrCommitmentNotFound, c.url, strings.TrimSpace(string(data)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrCalendar, c.url, resp.StatusCode)
	}
	return data, nil
}

func (c *calendar) decode(body, msg []byte) (*Timestamp, error) {
	d := newDecoder(body)
	ts, err := decodeTimestamp(d, msg, maxRecursionDepth)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCalendar, c.url, err)
	}
	return ts, nil
}
