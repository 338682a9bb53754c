package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/21projects/greetings/internal/config"
	"github.com/21projects/greetings/internal/greeting"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func setupDispatcher(t *testing.T, sender Sender) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	for _, name := range []string{"general", "birthday"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".txt"),
			[]byte("{{ title }}: {{ message }}"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".html"),
			[]byte("<p>{{ message | escape }}</p>"), 0644))
	}

	cfg := config.DispatchConfig{
		Workers:             2,
		BatchSize:           10,
		MaxAttempts:         3,
		PollIntervalSeconds: 1,
	}
	mail := config.MailConfig{
		FromEmail: "greeting@21projects.xyz",
		FromName:  "Greetings",
		Subject:   "You have received a Bitcoin powered greeting!",
	}

	return NewDispatcher(greeting.NewStore(db), sender, NewTemplateService(dir), nil, cfg, mail), mock
}

func TestProcessDelivered(t *testing.T) {
	sender := &fakeSender{}
	d, mock := setupDispatcher(t, sender)

	id := uuid.New()
	mock.ExpectExec(`UPDATE greeting_deliveries SET status`).
		WithArgs(id, greeting.DeliveryDelivered).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.process(context.Background(), &greeting.Delivery{
		ID:       id,
		Title:    "B day",
		Message:  "Happy Bday",
		Email:    "a@b.com",
		Template: "birthday",
	})

	require.Equal(t, 1, sender.sentCount())
	msg := sender.sent[0]
	assert.Equal(t, "a@b.com", msg.To)
	assert.Equal(t, "You have received a Bitcoin powered greeting!", msg.Subject)
	assert.Equal(t, "B day: Happy Bday", msg.Text)
	assert.Equal(t, "<p>Happy Bday</p>", msg.HTML)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessSendFailureSchedulesRetry(t *testing.T) {
	sender := &fakeSender{err: errors.New("smtp timeout")}
	d, mock := setupDispatcher(t, sender)

	id := uuid.New()
	mock.ExpectExec(`UPDATE greeting_deliveries`).
		WithArgs(id, greeting.DeliveryPending, 1, "smtp timeout", 30).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.process(context.Background(), &greeting.Delivery{
		ID:       id,
		Attempts: 0,
		Template: "general",
		Email:    "a@b.com",
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessUnknownTemplateRecordsFailure(t *testing.T) {
	sender := &fakeSender{}
	d, mock := setupDispatcher(t, sender)

	id := uuid.New()
	mock.ExpectExec(`UPDATE greeting_deliveries`).
		WithArgs(id, greeting.DeliveryPending, 1, sqlmock.AnyArg(), 30).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.process(context.Background(), &greeting.Delivery{
		ID:       id,
		Template: "no-such-card",
		Email:    "a@b.com",
	})

	assert.Equal(t, 0, sender.sentCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherClaimsOnNotify(t *testing.T) {
	sender := &fakeSender{}
	d, mock := setupDispatcher(t, sender)

	deliveryID := "5a0bcb15-32a1-4f7b-bd0f-1a0c62bb8ca5"
	mock.MatchExpectationsInOrder(false)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM greeting_deliveries d`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "greeting_id", "status", "attempts", "title", "message", "email", "template",
		}).AddRow(deliveryID, int64(3), greeting.DeliveryPending, 0, "hi", "there", "a@b.com", "general"))
	mock.ExpectExec(`UPDATE greeting_deliveries SET next_attempt_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE greeting_deliveries SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	d.Notify()

	assert.Eventually(t, func() bool {
		return sender.sentCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDispatcherStartTwice(t *testing.T) {
	d, _ := setupDispatcher(t, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	assert.Error(t, d.Start(ctx))
}

func TestNotifyNeverBlocks(t *testing.T) {
	d, _ := setupDispatcher(t, &fakeSender{})

	// No poller running; repeated pokes must not block.
	for i := 0; i < 10; i++ {
		d.Notify()
	}
}
