package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/optionbook/internal/blob/s3"
	"github.com/alanyoungcy/optionbook/internal/cache/redis"
	"github.com/alanyoungcy/optionbook/internal/clock"
	"github.com/alanyoungcy/optionbook/internal/config"
	"github.com/alanyoungcy/optionbook/internal/crypto"
	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/engine"
	"github.com/alanyoungcy/optionbook/internal/feepolicy"
	"github.com/alanyoungcy/optionbook/internal/fixedpoint"
	"github.com/alanyoungcy/optionbook/internal/ledger"
	"github.com/alanyoungcy/optionbook/internal/metrics"
	"github.com/alanyoungcy/optionbook/internal/notify"
	"github.com/alanyoungcy/optionbook/internal/server/handler"
	"github.com/alanyoungcy/optionbook/internal/service"
	"github.com/alanyoungcy/optionbook/internal/store/postgres"
	"github.com/alanyoungcy/optionbook/internal/units"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Underlying units.Asset
	Strike     units.Asset
	Custody    common.Address
	Operator   *crypto.Signer // nil when only a custody address is configured

	// Core
	Engine    *engine.Engine
	Ledger    domain.AccountLedger
	Fees      domain.FeePolicy
	FeeAdmin  handler.FeeAdmin
	Publisher *service.EventPublisher
	Metrics   *metrics.Metrics

	// Stores
	OptionStore domain.OptionStore
	AuditStore  *postgres.AuditStore

	// Caches
	RateLimiter domain.RateLimiter
	Locks       *redis.LockManager
	SignalBus   domain.SignalBus
	Nonces      domain.NonceStore

	// Blob storage
	BlobReader *s3blob.Reader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health checks by dependency name.
	Health map[string]handler.HealthCheck
}

// PairInfo returns the pair description the HTTP handlers render with.
func (d *Dependencies) PairInfo() handler.PairInfo {
	return handler.PairInfo{Underlying: d.Underlying, Strike: d.Strike, Custody: d.Custody}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Underlying: asset(cfg.Pair.Underlying),
		Strike:     asset(cfg.Pair.Strike),
		Metrics:    metrics.New(),
		Health:     map[string]handler.HealthCheck{},
	}

	// --- Custody principal ---
	custody, operator, err := custodyPrincipal(cfg.Custody)
	if err != nil {
		return fail(fmt.Errorf("wire: custody: %w", err))
	}
	deps.Custody, deps.Operator = custody, operator

	// --- PostgreSQL ---
	var pgClient *postgres.Client
	if cfg.Storage.Enabled {
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Storage.DSN,
			Host:            cfg.Storage.Host,
			Port:            cfg.Storage.Port,
			Database:        cfg.Storage.Database,
			User:            cfg.Storage.User,
			Password:        cfg.Storage.Password,
			SSLMode:         cfg.Storage.SSLMode,
			MaxConns:        cfg.Storage.PoolMaxConns,
			MinConns:        cfg.Storage.PoolMinConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Storage.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.OptionStore = postgres.NewOptionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Ping
	}

	// --- Ledger ---
	switch cfg.Ledger.Backend {
	case "postgres":
		deps.Ledger = postgres.NewLedger(pgClient.Pool())
	default:
		mem := ledger.NewMemory()
		if err := mintGenesis(ctx, mem, cfg.Ledger.Genesis, deps.Underlying, deps.Strike); err != nil {
			return fail(fmt.Errorf("wire: ledger genesis: %w", err))
		}
		deps.Ledger = mem
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		prefix := cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = "optionbook:" + strings.ToLower(cfg.Pair.Name())
		}
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Nonces = redis.NewNonceStore(redisClient)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- Fee policy ---
	if err := wireFees(ctx, cfg.Fees, redisClient, deps); err != nil {
		return fail(fmt.Errorf("wire: fees: %w", err))
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Health["s3"] = s3Client.Health

		// The archiver marks exported records in the option store.
		if deps.OptionStore != nil {
			var audit domain.AuditStore
			if deps.AuditStore != nil {
				audit = deps.AuditStore
			}
			deps.Archiver = s3blob.NewArchiver(
				s3blob.NewWriter(s3Client),
				deps.BlobReader,
				deps.OptionStore,
				audit,
				cfg.Pair.Name(),
				cfg.Archive.BatchSize,
				logger,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL).WithFooter(cfg.Pair.Name()))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events,
		notify.Formatter{Underlying: deps.Underlying, Strike: deps.Strike}, logger)

	// --- Event fan-out ---
	pub := service.NewEventPublisher(deps.Underlying, deps.Strike, logger).WithMetrics(deps.Metrics)
	if deps.SignalBus != nil {
		pub.WithBus(deps.SignalBus)
	}
	if deps.AuditStore != nil {
		pub.WithAudit(deps.AuditStore)
	}
	if deps.Notifier.Enabled() {
		pub.WithNotifier(deps.Notifier)
	}
	deps.Publisher = pub

	// --- Engine ---
	opts := []engine.Option{engine.WithPublisher(pub), engine.WithObserver(deps.Metrics)}
	if deps.OptionStore != nil {
		opts = append(opts, engine.WithStore(deps.OptionStore))
	}
	eng, err := engine.New(engine.Config{
		Pair:    domain.Pair{Underlying: deps.Underlying.Address, Strike: deps.Strike.Address},
		Custody: deps.Custody,
	}, deps.Ledger, clock.NewSystem(), deps.Fees, logger, opts...)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	if _, err := eng.Restore(ctx); err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Engine = eng

	return deps, cleanup, nil
}

func asset(c config.AssetConfig) units.Asset {
	return units.Asset{Address: common.HexToAddress(c.Address), Symbol: c.Symbol, Decimals: c.Decimals}
}

// custodyPrincipal resolves the custody address from the operator key, or
// from the configured address when no key is given. Both must agree when
// both are set.
func custodyPrincipal(c config.CustodyConfig) (common.Address, *crypto.Signer, error) {
	if !c.HasKey() {
		return common.HexToAddress(c.Address), nil, nil
	}
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    c.PrivateKey,
		EncryptedKeyPath: c.EncryptedKeyPath,
		KeyPassword:      c.KeyPassword,
	})
	if err != nil {
		return common.Address{}, nil, err
	}
	if c.Address != "" && common.HexToAddress(c.Address) != signer.Address() {
		return common.Address{}, nil, fmt.Errorf("address %s does not match operator key %s",
			c.Address, signer.Address().Hex())
	}
	return signer.Address(), signer, nil
}

// mintGenesis credits the configured starting balances. Amounts are whole
// units of their asset; assets outside the pair use 18 decimals.
func mintGenesis(ctx context.Context, l *ledger.Memory, mints []config.GenesisMint, pair ...units.Asset) error {
	for i, g := range mints {
		addr := common.HexToAddress(g.Asset)
		decimals := int32(fixedpoint.Decimals)
		for _, a := range pair {
			if a.Address == addr {
				decimals = a.Decimals
			}
		}
		amount, err := units.Parse(g.Amount, decimals)
		if err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if err := l.Mint(ctx, addr, common.HexToAddress(g.To), amount); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// feeSetter is the owner-gated administration both fee policies share.
type feeSetter interface {
	handler.FeeAdmin
	domain.FeePolicy
}

// wireFees builds the fee policy. The owner defaults to the custody
// principal and the recipient to the owner. A recipient equal to custody
// is rejected: fees paid there would sit in custody unowed.
func wireFees(ctx context.Context, cfg config.FeesConfig, redisClient *redis.Client, deps *Dependencies) error {
	owner := deps.Custody
	if cfg.Owner != "" {
		owner = common.HexToAddress(cfg.Owner)
	}
	recipient := owner
	if cfg.Recipient != "" {
		recipient = common.HexToAddress(cfg.Recipient)
	}

	if (cfg.Backend != "redis" || cfg.SeedRedis) && recipient == deps.Custody {
		return fmt.Errorf("recipient %s is the custody principal (set fees.recipient): %w",
			recipient.Hex(), domain.ErrInvalidFeeRecipient)
	}

	var (
		policy feeSetter
		seed   bool
	)
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return fmt.Errorf("backend redis requires redis")
		}
		policy = redis.NewFeePolicy(redisClient, owner)
		seed = cfg.SeedRedis
		if seed {
			if err := policy.SetFeeRecipient(ctx, owner, recipient); err != nil {
				return err
			}
		}
	default:
		policy = feepolicy.NewCalculator(owner, recipient)
		seed = true
	}

	if seed {
		for addr, rateText := range cfg.Rates {
			rate, err := units.Parse(rateText, fixedpoint.Decimals)
			if err != nil {
				return fmt.Errorf("rate for %s: %w", addr, err)
			}
			a := common.HexToAddress(addr)
			if err := policy.SetSupported(ctx, owner, a, true); err != nil {
				return err
			}
			if err := policy.SetFeeRate(ctx, owner, a, rate); err != nil {
				return err
			}
		}
	}

	deps.Fees = policy
	deps.FeeAdmin = policy
	return nil
}
