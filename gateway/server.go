package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"storefront/catalog"
	"storefront/checkout"
	"storefront/metadata"
	"storefront/money"
	"storefront/pricing"
)

type catalogService interface {
	ListIDs(ctx context.Context) ([]uint64, error)
	ResolveOne(ctx context.Context, id uint64) (*catalog.ProductRecord, error)
}

type checkoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

type receiptReader interface {
	ListGranted(wallet string) ([]uint64, error)
}

type couponReader interface {
	GetCoupon(code string) (*pricing.Coupon, bool, error)
}

type docFetcher interface {
	Fetch(ctx context.Context, ref string) (*metadata.Document, error)
}

type attributor interface {
	Attribute(sessionID string, productID uint64, referrer string)
}

type purchaseHistory interface {
	PurchasedProductIDs(ctx context.Context, buyer common.Address) ([]uint64, error)
}

// Config wires the gateway's collaborators.
type Config struct {
	Catalog      catalogService
	Checkout     checkoutService
	Receipts     receiptReader
	Coupons      couponReader
	Metadata     docFetcher
	Attributions attributor
	// History, when set, reconciles local receipts with on-chain purchases.
	History purchaseHistory
	Metrics *Metrics
	Logger  *slog.Logger
}

// timeNow is a seam for coupon validation tests.
var timeNow = time.Now

// Server exposes the storefront over HTTP.
type Server struct {
	cfg     Config
	metrics *Metrics
	log     *slog.Logger
}

// NewServer constructs the HTTP surface.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{cfg: cfg, metrics: metrics, log: logger}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.metrics.Middleware("catalog_list")).Get("/catalog", s.handleListCatalog)
		r.With(s.metrics.Middleware("catalog_get")).Get("/catalog/{id}", s.handleGetProduct)
		r.With(s.metrics.Middleware("coupon_validate")).Post("/coupons/validate", s.handleValidateCoupon)
		r.With(s.metrics.Middleware("checkout")).Post("/checkout", s.handleCheckout)
		r.With(s.metrics.Middleware("receipts")).Get("/receipts/{wallet}", s.handleListReceipts)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Catalog.ListIDs(r.Context())
	if err != nil {
		s.log.Error("catalog listing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

type productResponse struct {
	ID           uint64             `json:"id"`
	PriceMinor   string             `json:"priceMinor"`
	DisplayPrice string             `json:"displayPrice"`
	MetadataRef  string             `json:"metadataRef,omitempty"`
	MaxSupply    uint64             `json:"maxSupply"`
	Sold         uint64             `json:"sold"`
	Active       bool               `json:"active"`
	Origin       string             `json:"origin"`
	Metadata     *metadata.Document `json:"metadata,omitempty"`
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	record, err := s.cfg.Catalog.ResolveOne(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		s.log.Error("product resolution failed", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "product unavailable")
		return
	}
	resp := productResponse{
		ID:           record.ID,
		PriceMinor:   record.PriceMinor.String(),
		DisplayPrice: money.ToDisplay(record.PriceMinor),
		MetadataRef:  record.MetadataRef,
		MaxSupply:    record.MaxSupply,
		Sold:         record.Sold,
		Active:       record.Active,
		Origin:       record.Origin.String(),
	}
	// Metadata is display-only; a fetch failure never hides the product.
	if s.cfg.Metadata != nil && record.MetadataRef != "" {
		if doc, err := s.cfg.Metadata.Fetch(r.Context(), record.MetadataRef); err == nil {
			resp.Metadata = doc
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type validateCouponRequest struct {
	Code      string `json:"code"`
	ProductID uint64 `json:"productId"`
}

type validateCouponResponse struct {
	IsValid         bool   `json:"isValid"`
	DiscountPercent uint32 `json:"discountPercent,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) handleValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" || req.ProductID == 0 {
		writeError(w, http.StatusBadRequest, "code and productId are required")
		return
	}
	if s.cfg.Coupons == nil {
		writeJSON(w, http.StatusOK, validateCouponResponse{Error: string(pricing.ReasonNotFound)})
		return
	}
	coupon, ok, err := s.cfg.Coupons.GetCoupon(req.Code)
	if err != nil {
		s.log.Error("coupon lookup failed", "code", req.Code, "err", err)
		writeError(w, http.StatusInternalServerError, "coupon lookup failed")
		return
	}
	if !ok {
		coupon = nil
	}
	validation := pricing.ValidateCoupon(coupon, req.ProductID, timeNow())
	resp := validateCouponResponse{IsValid: validation.Valid, DiscountPercent: validation.DiscountPercent}
	if !validation.Valid {
		resp.Error = string(validation.Reason)
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	Buyer          string `json:"buyer"`
	ProductID      uint64 `json:"productId"`
	CouponCode     string `json:"couponCode,omitempty"`
	IncentiveOptIn bool   `json:"incentiveOptIn,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	Referrer       string `json:"referrer,omitempty"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Buyer) {
		writeError(w, http.StatusBadRequest, "buyer must be a hex address")
		return
	}
	if req.Referrer != "" && s.cfg.Attributions != nil {
		s.cfg.Attributions.Attribute(req.SessionID, req.ProductID, req.Referrer)
	}
	res, err := s.cfg.Checkout.Checkout(r.Context(), checkout.Request{
		Buyer:          common.HexToAddress(req.Buyer),
		ProductID:      req.ProductID,
		CouponCode:     req.CouponCode,
		IncentiveOptIn: req.IncentiveOptIn,
		SessionID:      req.SessionID,
	})
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, checkout.ErrInFlight):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("checkout failed to start", "err", err)
			writeError(w, http.StatusInternalServerError, "checkout unavailable")
		}
		return
	}
	s.metrics.ObserveCheckout(res)
	writeJSON(w, http.StatusOK, checkoutResponse(res))
}

type checkoutResult struct {
	State           string            `json:"state"`
	Failure         *checkout.Failure `json:"failure,omitempty"`
	DisplayPrice    string            `json:"displayPrice,omitempty"`
	FinalPriceMinor string            `json:"finalPriceMinor,omitempty"`
	Simulated       bool              `json:"simulated,omitempty"`
	ApproveTxHash   string            `json:"approveTxHash,omitempty"`
	PurchaseTxHash  string            `json:"purchaseTxHash,omitempty"`
}

func checkoutResponse(res *checkout.Result) checkoutResult {
	out := checkoutResult{
		State:          string(res.State),
		Failure:        res.Failure,
		Simulated:      res.Simulated,
		ApproveTxHash:  res.ApproveTxHash,
		PurchaseTxHash: res.PurchaseTxHash,
	}
	if res.FinalPriceMinor != nil {
		out.FinalPriceMinor = res.FinalPriceMinor.String()
		out.DisplayPrice = money.ToDisplay(res.FinalPriceMinor)
	}
	return out
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	if !common.IsHexAddress(wallet) {
		writeError(w, http.StatusBadRequest, "wallet must be a hex address")
		return
	}
	granted, err := s.cfg.Receipts.ListGranted(wallet)
	if err != nil {
		s.log.Error("receipt listing failed", "wallet", wallet, "err", err)
		writeError(w, http.StatusInternalServerError, "receipts unavailable")
		return
	}
	if s.cfg.History != nil {
		chainIDs, err := s.cfg.History.PurchasedProductIDs(r.Context(), common.HexToAddress(wallet))
		if err != nil {
			s.log.Warn("receipt backfill degraded", "wallet", wallet, "err", err)
		} else {
			granted = unionIDs(granted, chainIDs)
		}
	}
	if granted == nil {
		granted = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":     strings.ToLower(wallet),
		"productIds": granted,
	})
}

func unionIDs(local, chain []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(local))
	for _, id := range local {
		seen[id] = struct{}{}
	}
	merged := append([]uint64(nil), local...)
	for _, id := range chain {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}
