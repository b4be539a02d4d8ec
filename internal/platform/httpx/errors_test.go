package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestRespondErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: change 9", shared.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: duplicate grant", shared.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: bad window", shared.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: rollback of rollback", shared.ErrIllegalOperation), http.StatusUnprocessableEntity},
		{ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("%w: connection reset", shared.ErrStorage), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())

		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
		assert.Equal(t, tc.status, problem.Status)
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("%w: password=hunter2", shared.ErrStorage))
	assert.NotContains(t, rr.Body.String(), "hunter2")
}

func TestProblemUsesProblemContentType(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("%w: no principal", ErrUnauthorized))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"type":"about:blank","title":"Unauthorized","status":401,"detail":"unauthorized: no principal"}`, rr.Body.String())
}

func TestAttachment(t *testing.T) {
	rr := httptest.NewRecorder()
	require.NoError(t, Attachment(rr, "text/csv", "history.csv", []byte("id\n1\n")))

	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="history.csv"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "id\n1\n", rr.Body.String())
}
