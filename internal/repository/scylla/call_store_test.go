package scylla

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

func TestBucketsBetweenCoversEveryDay(t *testing.T) {
	from := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	to := time.Date(2024, 3, 3, 0, 5, 0, 0, time.UTC)

	buckets := bucketsBetween(from, to)
	require.Len(t, buckets, 3)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), buckets[0])
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), buckets[2])
}

func TestBucketDateNormalizesToUTC(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	at := time.Date(2024, 3, 2, 2, 0, 0, 0, ist) // 2024-03-01 20:30 UTC
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), bucketDate(at))
}

func TestCallRowKeepsOptionalColumnsNull(t *testing.T) {
	call := &domain.Call{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		PayerID:   uuid.New(),
		Status:    domain.CallStatusScheduled,
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineID: uuid.New(), MedicineName: "Glycomet", Response: domain.ResponsePending},
		},
	}

	row, err := newCallRow(call)
	require.NoError(t, err)
	assert.Nil(t, row.Vitals)
	assert.Nil(t, row.OriginalCallID)
	assert.Nil(t, row.LastError)

	back, err := row.toDomain()
	require.NoError(t, err)
	assert.Nil(t, back.Vitals)
	assert.Nil(t, back.OriginalCallID)
	assert.Equal(t, call.MedicinesChecked[0].MedicineName, back.MedicinesChecked[0].MedicineName)
	assert.Empty(t, back.Transcript)
}

func TestCallRowColumnsLineUp(t *testing.T) {
	call := &domain.Call{ID: uuid.New(), PatientID: uuid.New(), PayerID: uuid.New(), FollowUpDone: true}
	row, err := newCallRow(call)
	require.NoError(t, err)

	columns := strings.Split(callColumns, ",")
	assert.Len(t, row.values(), len(columns))
	assert.Len(t, row.dest(), len(columns))

	back, err := row.toDomain()
	require.NoError(t, err)
	assert.True(t, back.FollowUpDone)
}
