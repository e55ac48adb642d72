// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes assignment notifications to Redis as
// Celery-compatible tasks, for the notification workers that email and
// page agents.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/ticketing/internal/models"
)

// Task names consumed by the workers.
const (
	TaskNotifyAssignment = "tickets.tasks.notify_assignment"
	TaskNotifyTriage     = "tickets.tasks.notify_triage"
)

// Notification tells workers the outcome of resolving one message.
type Notification struct {
	EmailID        int64          `json:"email_id"`
	GmailMessageID string         `json:"gmail_message_id"`
	Mailbox        string         `json:"mailbox"`
	Subject        string         `json:"subject"`
	From           string         `json:"from"`
	AssignedTo     *models.UserID `json:"assigned_to,omitempty"`
	Strategy       string         `json:"strategy"`
	Reason         string         `json:"reason"`
	Code           string         `json:"code,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
}

// Publisher sends notifications to Redis in Celery task format.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	newID     func() string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		newID:     func() string { return uuid.New().String() },
	}
}

// celeryTask represents a Celery-compatible task message.
// Celery reads tasks from Redis using this exact JSON structure.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// Publish serialises n and pushes it as a Celery task. Messages that need
// manual triage go to the triage task, assigned ones to the assignment task.
func (p *Publisher) Publish(ctx context.Context, n Notification) error {
	task := TaskNotifyAssignment
	if n.AssignedTo == nil {
		task = TaskNotifyTriage
	}

	taskID := p.newID()
	msgJSON, err := buildMessage(task, taskID, p.queueName, n)
	if err != nil {
		return err
	}

	// Celery consumers read with BRPOP, so tasks are LPUSHed
	if err := p.rdb.LPush(ctx, p.queueName, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published notification to queue",
		"task_id", taskID,
		"task", task,
		"email_id", n.EmailID,
		"mailbox", n.Mailbox,
		"queue", p.queueName,
	)

	return nil
}

func buildMessage(task, taskID, queueName string, n Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}

	taskBody, err := json.Marshal(celeryTask{
		ID:     taskID,
		Task:   task,
		Args:   []interface{}{string(payload)},
		Kwargs: map[string]interface{}{},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal celery task: %w", err)
	}

	correlationID := n.CorrelationID
	if correlationID == "" {
		correlationID = taskID
	}

	// Wrap in Celery message envelope
	msg := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    task,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": correlationID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       queueName,
			"routing_key":    queueName,
			"delivery_info": map[string]string{
				"exchange":    queueName,
				"routing_key": queueName,
			},
		},
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal celery message: %w", err)
	}
	return msgJSON, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
