package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/document"
)

const maxProcessBody = 16 << 20

// processor runs one connector operation.
type processor interface {
	Process(ctx context.Context, request, implementation *document.Node) *document.Node
}

// processHandler accepts POSTed documents of the form
// <process><request>...</request><implementation>...</implementation></process>.
// The first element inside <request> is the operation request.
type processHandler struct {
	p      processor
	logger *slog.Logger
}

func newProcessHandler(p processor, logger *slog.Logger) *processHandler {
	return &processHandler{p: p, logger: logger}
}

func (h *processHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProcessBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := document.Parse(body)
	if err != nil {
		http.Error(w, "parse body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var request *document.Node
	if req := doc.Child("request"); req != nil {
		if els := req.Elements(); len(els) > 0 {
			request = els[0]
		}
	}
	impl := doc.Child("implementation")
	if request == nil || impl == nil {
		http.Error(w, "request and implementation elements are required", http.StatusBadRequest)
		return
	}

	resp := h.p.Process(r.Context(), request, impl)
	status := http.StatusOK
	if connector.IsFault(resp) {
		status = http.StatusInternalServerError
		h.logger.Warn("operation failed", "action", impl.ChildText("action"), "fault", connector.FaultFromNode(resp).Message)
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	w.Write(resp.Marshal())
}
