package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/model"
)

func TestPostgresSend(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	task := model.DocumentTask{Path: "store://docs/CERL/800035887/scan.pdf"}
	payload, err := marshalTask(task)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO outbox_tasks").
		WithArgs(pgxmock.AnyArg(), string(model.StageExtraction), string(payload)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	o := NewPostgresOutbox(mock, "")
	require.NoError(t, o.Send(context.Background(), model.StageExtraction, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDequeue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	task := model.DocumentTask{Path: "store://docs/RUT/900123456/b.pdf"}
	payload, err := marshalTask(task)
	require.NoError(t, err)

	created := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "stage", "payload", "attempts", "created_at"}).
		AddRow("id-1", string(model.StageRecovery), string(payload), 2, created)

	mock.ExpectQuery("UPDATE outbox_tasks SET status = 'claimed'").
		WithArgs(string(model.StageRecovery), 5).
		WillReturnRows(rows)

	o := NewPostgresOutbox(mock, "")
	msgs, err := o.Dequeue(context.Background(), model.StageRecovery, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "id-1", msgs[0].ID)
	assert.Equal(t, task.Path, msgs[0].Task.Path)
	assert.Equal(t, 2, msgs[0].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAckAndNack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE outbox_tasks SET status = 'done'").
		WithArgs("id-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE outbox_tasks SET status = 'pending'").
		WithArgs("id-2", "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	o := NewPostgresOutbox(mock, "")
	require.NoError(t, o.Ack(context.Background(), "id-1"))
	require.NoError(t, o.Nack(context.Background(), "id-2", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPendingCount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT count").
		WithArgs(string(model.StageExtraction)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	o := NewPostgresOutbox(mock, "")
	n, err := o.PendingCount(context.Background(), model.StageExtraction)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
