package main

import (
	"context"
	"flag"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"storefront/affiliate"
	"storefront/catalog"
	"storefront/checkout"
	"storefront/config"
	"storefront/gateway"
	"storefront/ledger"
	"storefront/metadata"
	"storefront/observability/logging"
	"storefront/storage"
)

const signerKeyEnv = "STOREFRONT_SIGNER_KEY"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./storefront.toml", "path to storefront configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "storefrontd",
		Env:     cfg.Environment,
		File:    cfg.LogFile,
	})

	store, err := storage.NewStore(cfg.DataPath, catalog.DemoIDs())
	if err != nil {
		logger.Error("open store", "path", cfg.DataPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	for _, coupon := range cfg.CouponFixtures() {
		if err := store.PutCoupon(coupon); err != nil {
			logger.Error("seed coupon", "code", coupon.Code, "error", err)
			os.Exit(1)
		}
	}

	salesLog, err := affiliate.NewSalesLog(cfg.SalesLogPath)
	if err != nil {
		logger.Error("open sales log", "path", cfg.SalesLogPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = salesLog.Close() }()
	attributions := affiliate.NewRecorder()

	fetcher := metadata.NewFetcher(cfg.MetadataPrimaryURL, cfg.MetadataMirrorURL, logger)

	engine := checkout.NewEngine()
	engine.SetReceipts(store)
	engine.SetCoupons(store)
	engine.SetAffiliates(attributions, salesLog)
	engine.SetMetadataFetcher(fetcher)
	engine.SetLogger(logger)
	engine.SetEmitter(logEmitter{log: logger})

	var chainClient *ledger.Client
	var ledgerSource catalog.LedgerSource
	if strings.TrimSpace(cfg.ChainRPCURL) != "" {
		backend, err := ledger.Dial(cfg.ChainRPCURL)
		if err != nil {
			logger.Error("dial chain rpc", "url", cfg.ChainRPCURL, "error", err)
			os.Exit(1)
		}
		client, err := ledger.NewClient(backend, common.HexToAddress(cfg.MarketContract), common.HexToAddress(cfg.TokenContract))
		if err != nil {
			logger.Error("construct ledger client", "error", err)
			os.Exit(1)
		}
		if cfg.EventWindowBlocks > 0 {
			client.SetEventWindow(cfg.EventWindowBlocks)
		}
		chainClient = client
		ledgerSource = client
		engine.SetLedger(client)

		if timeout, err := cfg.ConfirmTimeoutDuration(); err == nil {
			engine.SetConfirmTimeout(timeout)
		} else if strings.TrimSpace(cfg.ConfirmTimeout) != "" {
			logger.Error("parse confirm timeout", "error", err)
			os.Exit(1)
		}

		signer, err := signerFromEnv(cfg.ChainID)
		if err != nil {
			logger.Error("load signer key", "env", signerKeyEnv, "error", err)
			os.Exit(1)
		}
		if signer != nil {
			engine.SetSigner(signer)
		} else {
			logger.Warn("no signer key configured, chain purchases will fail validation", "env", signerKeyEnv)
		}
	} else {
		logger.Info("chain rpc not configured, serving demo and draft catalog only")
	}

	resolver := catalog.NewResolver(ledgerSource, store, catalog.DefaultDemoCatalog(), logger)
	engine.SetResolver(resolver)

	gatewayCfg := gateway.Config{
		Catalog:      resolver,
		Checkout:     engine,
		Receipts:     store,
		Coupons:      store,
		Metadata:     fetcher,
		Attributions: attributions,
		Metrics:      gateway.NewMetrics(),
		Logger:       logger,
	}
	if chainClient != nil {
		gatewayCfg.History = chainClient
	}
	server := gateway.NewServer(gatewayCfg)

	httpServer := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("listen", "address", cfg.ListenAddress, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("listening", "address", listener.Addr().String())
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("serve", "error", serveErr)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// signerFromEnv builds a keyed transactor from the hex key in the
// environment. A missing key is not an error: the daemon can still serve the
// catalog and simulated checkouts.
func signerFromEnv(chainID int64) (checkout.Signer, error) {
	raw := strings.TrimSpace(os.Getenv(signerKeyEnv))
	if raw == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, err
	}
	return keyedSigner{opts: opts}, nil
}

type keyedSigner struct {
	opts *bind.TransactOpts
}

func (s keyedSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts := *s.opts
	opts.Context = ctx
	return &opts, nil
}

// logEmitter mirrors checkout lifecycle events onto the structured log.
type logEmitter struct {
	log *slog.Logger
}

func (e logEmitter) Emit(evt checkout.Event) {
	attrs := make([]any, 0, len(evt.Attributes())*2)
	for key, value := range evt.Attributes() {
		attrs = append(attrs, key, value)
	}
	e.log.Info(evt.EventType(), attrs...)
}
