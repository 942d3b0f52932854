package settlement

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/matching"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/synbook"
	"github.com/atmx/perp-engine/internal/ticker"
)

// Routes registers the settlement API on r. Write endpoints pass through
// writeLimit, which may be nil. The WebSocket route is mounted separately.
func (s *Service) Routes(r chi.Router, writeLimit func(http.Handler) http.Handler) {
	if writeLimit == nil {
		writeLimit = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/markets", s.HandleListMarkets)
	r.Get("/markets/{marketID}", s.HandleGetMarket)
	r.Get("/markets/{marketID}/exposure", s.HandleExposure)
	r.Get("/markets/{marketID}/settlements", s.HandleListSettlements)
	r.Get("/markets/{marketID}/settlements/{version}", s.HandleGetSettlement)
	r.Post("/markets/{marketID}/preview", s.HandlePreview)

	r.Group(func(r chi.Router) {
		r.Use(writeLimit)
		r.Post("/markets", s.HandleCreateMarket)
		r.Post("/markets/{marketID}/status", s.HandleSetStatus)
		r.Post("/markets/{marketID}/settle", s.HandleSettle)
		r.Post("/settle", s.HandleSettleBatch)
	})
}

// settleBody is the JSON body of POST /markets/{marketID}/settle and preview.
type settleBody struct {
	Version uint64         `json:"version"`
	Order   matching.Order `json:"order"`
	Price   fixed.Fixed6   `json:"price"`
}

// batchBody is the JSON body of POST /settle.
type batchBody struct {
	Settlements []SettleRequest `json:"settlements"`
}

// HandleCreateMarket handles POST /api/v1/markets
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

// HandleListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?base=<asset>.
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	filtered := []model.Market{}
	base := r.URL.Query().Get("base")
	for _, m := range markets {
		if base == "" || m.Base == base {
			filtered = append(filtered, m)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// HandleSetStatus handles POST /api/v1/markets/{marketID}/status
func (s *Service) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.SetStatus(r.Context(), chi.URLParam(r, "marketID"), req.Status)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// HandleExposure handles GET /api/v1/markets/{marketID}/exposure
func (s *Service) HandleExposure(w http.ResponseWriter, r *http.Request) {
	exposure, err := s.Exposure(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, exposure)
}

// HandlePreview handles POST /api/v1/markets/{marketID}/preview
func (s *Service) HandlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSettle(w, r)
	if !ok {
		return
	}

	result, err := s.Preview(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSettle handles POST /api/v1/markets/{marketID}/settle
// Returns 201 for a new settlement and 200 for a replay of a committed one.
func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSettle(w, r)
	if !ok {
		return
	}

	res, err := s.Settle(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// HandleSettleBatch handles POST /api/v1/settle
func (s *Service) HandleSettleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	items, err := s.SettleBatch(r.Context(), body.Settlements)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]BatchItem{"results": items})
}

// HandleListSettlements handles GET /api/v1/markets/{marketID}/settlements
func (s *Service) HandleListSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	marketID := chi.URLParam(r, "marketID")

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeError(w, "market not found", statusFor(err))
		return
	}
	settlements, err := s.store.GetSettlementsByMarket(ctx, marketID)
	if err != nil {
		writeError(w, "failed to get settlements", http.StatusInternalServerError)
		return
	}
	if settlements == nil {
		settlements = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, settlements)
}

// HandleGetSettlement handles GET /api/v1/markets/{marketID}/settlements/{version}
func (s *Service) HandleGetSettlement(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeError(w, "version must be an unsigned integer", http.StatusBadRequest)
		return
	}

	st, err := s.store.GetSettlement(r.Context(), chi.URLParam(r, "marketID"), version)
	if err != nil {
		writeError(w, "settlement not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decodeSettle(w http.ResponseWriter, r *http.Request) (SettleRequest, bool) {
	var body settleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return SettleRequest{}, false
	}
	return SettleRequest{
		MarketID: chi.URLParam(r, "marketID"),
		Version:  body.Version,
		Order:    body.Order,
		Price:    body.Price,
	}, true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ticker.ErrInvalidTicker),
		errors.Is(err, synbook.ErrInvalidScale):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, ErrMarketHalted),
		errors.Is(err, limits.ErrMakerLimitExceeded),
		errors.Is(err, limits.ErrEfficiencyExceeded),
		errors.Is(err, limits.ErrCorrelatedLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, fixed.ErrRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
