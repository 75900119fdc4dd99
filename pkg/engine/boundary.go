package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/observability"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
)

// maxBodyBytes caps request bodies at the boundary.
const maxBodyBytes = 1 << 20

// protocolVersion is advertised on every response so proxies can detect
// kernels speaking an incompatible surface.
const protocolVersion = "1"

// HeaderIdempotentReplay flags a response served from the idempotency store.
const HeaderIdempotentReplay = "x-idempotent-replay"

// request is what a handler receives after the boundary has admitted it.
type request struct {
	tenantID string
	raw      []byte
	body     map[string]any
	httpReq  *http.Request
}

// response is what a handler returns. chainHash, when set, is the chain
// position the operation committed, recorded on the operation span.
type response struct {
	status    int
	body      any
	chainHash string
}

func ok(body any) *response      { return &response{status: http.StatusOK, body: body} }
func created(body any) *response { return &response{status: http.StatusCreated, body: body} }

type handlerFn func(ctx context.Context, rq *request) (*response, error)

// handle wraps a handler with the full request boundary: tenant extraction,
// per-tenant admission, operator scope, body decoding with schema validation,
// idempotency, and the operation span. Order matters: idempotent replays are
// served before the handler ever runs.
func (e *Engine) handle(op, scope string, schema *jsonschema.Schema, fn handlerFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(tenant.HeaderProtocol, protocolVersion)
		tenantID, err := tenant.FromRequest(r)
		if err != nil {
			apierror.Write(w, r, err)
			return
		}
		release, err := e.guard.Acquire(r.Context(), tenantID)
		if err != nil {
			apierror.Write(w, r, err)
			return
		}
		defer release()

		if scope != "" {
			if err := e.ops.Verify(r.Header.Get(tenant.HeaderOpsToken), tenantID, scope); err != nil {
				apierror.Write(w, r, err)
				return
			}
		}

		ctx := tenant.WithTenant(r.Context(), tenantID)
		rq := &request{tenantID: tenantID, httpReq: r}

		if r.Method != http.MethodGet {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				apierror.Write(w, r, apierror.New(apierror.CodeSchemaInvalid, "request body unreadable: %v", err))
				return
			}
			rq.raw = raw
			if schema != nil {
				var decoded any
				if err := json.Unmarshal(raw, &decoded); err != nil {
					apierror.Write(w, r, apierror.New(apierror.CodeSchemaInvalid, "request body is not valid JSON"))
					return
				}
				if err := schema.Validate(decoded); err != nil {
					apierror.Write(w, r, apierror.New(apierror.CodeSchemaInvalid, "%v", err))
					return
				}
				rq.body, _ = decoded.(map[string]any)
			}
		}

		idemKey := r.Header.Get(tenant.HeaderIdempotencyKey)
		var reqHash string
		if idemKey != "" && r.Method != http.MethodGet {
			reqHash = ledger.RequestHash(rq.raw)
			rec, hit, err := e.idem.Probe(ctx, tenantID, idemKey, reqHash)
			if err != nil {
				apierror.Write(w, r, err)
				return
			}
			if hit {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderIdempotentReplay, "true")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.Response)
				return
			}
		}

		opCtx, finish := e.obs.StartOperation(ctx, observability.OperationInfo{
			TenantID:       tenantID,
			Operation:      op,
			IdempotencyKey: idemKey,
		})
		resp, err := fn(opCtx, rq)
		if err != nil {
			finish("", err)
			apierror.Write(w, r, err)
			return
		}
		finish(resp.chainHash, nil)

		payload, err := json.Marshal(resp.body)
		if err != nil {
			apierror.Write(w, r, err)
			return
		}
		if idemKey != "" && reqHash != "" && resp.status < 300 {
			_ = e.idem.Commit(ctx, ledger.IdempotencyRecord{
				TenantID:    tenantID,
				Key:         idemKey,
				RequestHash: reqHash,
				Response:    payload,
				StatusCode:  resp.status,
				CreatedAt:   time.Now().UTC(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = w.Write(payload)
	}
}

// expectedPrev resolves the caller's CAS position for a subject: an explicit
// header wins, otherwise the subject's current tail.
func (e *Engine) expectedPrev(ctx context.Context, rq *request, subject ledger.SubjectKey) (string, error) {
	if v := rq.httpReq.Header.Get(tenant.HeaderExpectedPrevHash); v != "" {
		return v, nil
	}
	return e.log.LastChainHash(ctx, rq.tenantID, subject)
}

func decodeInto(rq *request, dst any) error {
	if err := json.Unmarshal(rq.raw, dst); err != nil {
		return apierror.New(apierror.CodeSchemaInvalid, "request body does not decode: %v", err)
	}
	return nil
}
