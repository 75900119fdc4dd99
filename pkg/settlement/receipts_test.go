package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedReceipts(s *ReceiptStore, n int, base time.Time) {
	for i := 0; i < n; i++ {
		s.Put(&ReceiptRecord{
			ReceiptID: "rcpt_" + string(rune('a'+i)),
			TenantID:  "t1",
			RunID:     "run_1",
			ToolID:    "tool_search",
			Status:    "green",
			IssuedAt:  base.Add(time.Duration(i) * time.Second),
			Envelope:  map[string]any{"receiptId": i},
		})
	}
}

func TestReceiptStore_CursorPagination(t *testing.T) {
	s := NewReceiptStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedReceipts(s, 5, base)

	page1, next, err := s.List("t1", ReceiptFilter{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, next)
	assert.Equal(t, "rcpt_a", page1[0].ReceiptID)
	assert.Equal(t, "rcpt_b", page1[1].ReceiptID)

	page2, next, err := s.List("t1", ReceiptFilter{}, next, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "rcpt_c", page2[0].ReceiptID)

	page3, next, err := s.List("t1", ReceiptFilter{}, next, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, next)
	assert.Equal(t, "rcpt_e", page3[0].ReceiptID)
}

func TestReceiptStore_PutReplacesSameID(t *testing.T) {
	s := NewReceiptStore()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Put(&ReceiptRecord{ReceiptID: "rcpt_a", TenantID: "t1", Status: StatusReleased, IssuedAt: ts})
	s.Put(&ReceiptRecord{ReceiptID: "rcpt_a", TenantID: "t1", Status: StatusRefunded, IssuedAt: ts})

	rec, err := s.Get("t1", "rcpt_a")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, rec.Status)

	// The replaced record does not duplicate the listing.
	page, next, err := s.List("t1", ReceiptFilter{}, "", 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Empty(t, next)
}

func TestReceiptStore_CursorTiesBreakOnReceiptID(t *testing.T) {
	s := NewReceiptStore()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"rcpt_b", "rcpt_a", "rcpt_c"} {
		s.Put(&ReceiptRecord{ReceiptID: id, TenantID: "t1", IssuedAt: ts})
	}

	page, next, err := s.List("t1", ReceiptFilter{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "rcpt_a", page[0].ReceiptID)
	assert.Equal(t, "rcpt_b", page[1].ReceiptID)

	page, _, err = s.List("t1", ReceiptFilter{}, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "rcpt_c", page[0].ReceiptID)
}

func TestReceiptStore_Filters(t *testing.T) {
	s := NewReceiptStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Put(&ReceiptRecord{ReceiptID: "r1", TenantID: "t1", RunID: "run_1", Status: "green", IssuedAt: base})
	s.Put(&ReceiptRecord{ReceiptID: "r2", TenantID: "t1", RunID: "run_2", Status: "red", IssuedAt: base.Add(time.Minute)})
	s.Put(&ReceiptRecord{ReceiptID: "r3", TenantID: "t2", RunID: "run_1", Status: "green", IssuedAt: base})

	got, _, err := s.List("t1", ReceiptFilter{RunID: "run_1"}, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ReceiptID)

	got, _, err = s.List("t1", ReceiptFilter{Status: "red"}, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ReceiptID)

	// Tenant isolation: t2's receipt never leaks into t1 listings.
	got, _, err = s.List("t1", ReceiptFilter{}, "", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, _, err = s.List("t1", ReceiptFilter{IssuedAfter: base}, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ReceiptID)
}

func TestReceiptStore_MalformedCursor(t *testing.T) {
	s := NewReceiptStore()
	_, _, err := s.List("t1", ReceiptFilter{}, "not-base64!!", 10)
	assert.Error(t, err)
}

func TestReceiptStore_ExportNDJSON(t *testing.T) {
	s := NewReceiptStore()
	seedReceipts(s, 3, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var lines []map[string]any
	err := s.ExportNDJSON("t1", ReceiptFilter{}, func(env map[string]any) error {
		lines = append(lines, env)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, 0, lines[0]["receiptId"])
}
