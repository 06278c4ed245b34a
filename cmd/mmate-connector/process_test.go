package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/document"
)

type stubProcessor struct {
	request, impl *document.Node
	resp          *document.Node
}

func (s *stubProcessor) Process(ctx context.Context, request, implementation *document.Node) *document.Node {
	s.request, s.impl = request, implementation
	return s.resp
}

func TestProcessHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Passes request and implementation", func(t *testing.T) {
		p := &stubProcessor{resp: document.Element("response", document.ElementText("messageid", "ID:1"))}
		h := newProcessHandler(p, logger)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(
			`<process><request><SendOrder><destination>Broker1.out</destination></SendOrder></request><implementation><action>send</action></implementation></process>`)))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, p.request)
		assert.Equal(t, "SendOrder", p.request.Name)
		assert.Equal(t, "send", p.impl.ChildText("action"))
		assert.Contains(t, rec.Body.String(), "<messageid>ID:1</messageid>")
	})

	t.Run("Faults are server errors", func(t *testing.T) {
		p := &stubProcessor{resp: connector.NewFault("Server.Exception", "no such endpoint", nil)}
		rec := httptest.NewRecorder()
		newProcessHandler(p, logger).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(
			`<process><request><r/></request><implementation><action>get</action></implementation></process>`)))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "no such endpoint")
	})

	t.Run("Rejects malformed calls", func(t *testing.T) {
		h := newProcessHandler(&stubProcessor{}, logger)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/process", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("<process>")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("<process><request/></process>")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
