// Copyright (C) 2025 JobTrail <dev@jobtrail.app>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package transport

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jobtrail/e2ecore/models"
)

// streamEvent mirrors the server's websocket frame.
type streamEvent struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

// stream multiplexes one websocket connection per conversation across
// the new-message and update subscriptions of the pipeline.
type stream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	newFns map[int]func(models.Message)
	updFns map[int]func(models.Message)
	nextID int
	closed bool
}

// SubscribeNew implements pipeline.Transport.
func (c *Client) SubscribeNew(conversationID string, fn func(models.Message)) (func(), error) {
	return c.subscribe(conversationID, false, fn)
}

// SubscribeUpdates implements pipeline.Transport.
func (c *Client) SubscribeUpdates(conversationID string, fn func(models.Message)) (func(), error) {
	return c.subscribe(conversationID, true, fn)
}

func (c *Client) subscribe(conversationID string, updates bool, fn func(models.Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[conversationID]
	if !ok {
		var err error
		st, err = c.dialStream(conversationID)
		if err != nil {
			return nil, err
		}
		c.streams[conversationID] = st
	}

	st.mu.Lock()
	id := st.nextID
	st.nextID++
	if updates {
		st.updFns[id] = fn
	} else {
		st.newFns[id] = fn
	}
	st.mu.Unlock()

	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		st.mu.Lock()
		delete(st.newFns, id)
		delete(st.updFns, id)
		empty := len(st.newFns) == 0 && len(st.updFns) == 0
		if empty && !st.closed {
			st.closed = true
			st.conn.Close()
		}
		st.mu.Unlock()

		if empty && c.streams[conversationID] == st {
			delete(c.streams, conversationID)
		}
	}
	return unsub, nil
}

func (c *Client) dialStream(conversationID string) (*stream, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/api/v1/conversations/" + conversationID + "/stream?token=" + c.token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}

	st := &stream{
		conn:   conn,
		newFns: make(map[int]func(models.Message)),
		updFns: make(map[int]func(models.Message)),
	}
	go c.readLoop(conversationID, st)
	return st, nil
}

func (c *Client) readLoop(conversationID string, st *stream) {
	defer func() {
		st.mu.Lock()
		st.closed = true
		st.conn.Close()
		st.mu.Unlock()

		c.mu.Lock()
		if c.streams[conversationID] == st {
			delete(c.streams, conversationID)
		}
		c.mu.Unlock()
	}()

	for {
		var ev streamEvent
		if err := st.conn.ReadJSON(&ev); err != nil {
			st.mu.Lock()
			active := len(st.newFns) + len(st.updFns)
			st.mu.Unlock()
			if active > 0 {
				c.log.Warn("conversation stream closed",
					zap.String("conversation_id", conversationID),
					zap.Error(err))
			}
			return
		}

		st.mu.Lock()
		var fns []func(models.Message)
		if ev.Type == "update" {
			for _, fn := range st.updFns {
				fns = append(fns, fn)
			}
		} else {
			for _, fn := range st.newFns {
				fns = append(fns, fn)
			}
		}
		st.mu.Unlock()

		for _, fn := range fns {
			fn(ev.Message)
		}
	}
}
