package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/llmrace/llmrace/pkg/config"
	"github.com/llmrace/llmrace/pkg/store"
)

// seedFromConfig loads connections, cars, and suites declared in the
// config file. Seeding is idempotent: rows that already exist by name
// are left untouched.
func (s *server) seedFromConfig(ctx context.Context) error {
	connIDs := make(map[string]uint, len(s.cfg.Seeds.Connections))

	for i := range s.cfg.Seeds.Connections {
		seed := &s.cfg.Seeds.Connections[i]

		id, err := s.seedConnection(ctx, seed)
		if err != nil {
			return fmt.Errorf("seeding connection %q: %w", seed.Name, err)
		}

		connIDs[seed.Name] = id
	}

	for i := range s.cfg.Seeds.Cars {
		seed := &s.cfg.Seeds.Cars[i]

		if err := s.seedCar(ctx, seed, connIDs); err != nil {
			return fmt.Errorf("seeding car %q: %w", seed.Name, err)
		}
	}

	for i := range s.cfg.Seeds.Suites {
		seed := &s.cfg.Seeds.Suites[i]

		if err := s.seedSuite(ctx, seed); err != nil {
			return fmt.Errorf("seeding suite %q: %w", seed.Name, err)
		}
	}

	return nil
}

func (s *server) seedConnection(
	ctx context.Context, seed *config.SeedConnection,
) (uint, error) {
	existing, err := s.store.GetConnectionByName(ctx, seed.Name)
	if err == nil {
		return existing.ID, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	providerType := store.ProviderType(seed.Type)
	if !store.IsValidProviderType(providerType) {
		return 0, fmt.Errorf("unknown provider type %q", seed.Type)
	}

	conn := &store.Connection{
		Name:         seed.Name,
		Type:         providerType,
		BaseURL:      seed.BaseURL,
		APIKeyEnvVar: seed.APIKeyEnvVar,
	}

	// Plaintext keys from config are sealed before they hit the store.
	if seed.APIKey != "" {
		encrypted, err := s.vault.Encrypt(seed.APIKey)
		if err != nil {
			return 0, fmt.Errorf("encrypting api key: %w", err)
		}

		conn.APIKeyEncrypted = encrypted
	}

	if err := s.store.CreateConnection(ctx, conn); err != nil {
		return 0, err
	}

	s.log.WithField("connection", seed.Name).Info("Seeded connection")

	return conn.ID, nil
}

func (s *server) seedCar(
	ctx context.Context, seed *config.SeedCar, connIDs map[string]uint,
) error {
	cars, err := s.store.ListCars(ctx)
	if err != nil {
		return err
	}

	for i := range cars {
		if cars[i].Name == seed.Name {
			return nil
		}
	}

	connID, ok := connIDs[seed.Connection]
	if !ok {
		existing, err := s.store.GetConnectionByName(ctx, seed.Connection)
		if err != nil {
			return fmt.Errorf("resolving connection %q: %w", seed.Connection, err)
		}

		connID = existing.ID
	}

	car := &store.Car{
		Name:         seed.Name,
		ConnectionID: connID,
		ModelName:    seed.ModelName,
		Temperature:  0.7,
		TopP:         1.0,
		MaxTokens:    seed.MaxTokens,
		Seed:         seed.Seed,
	}

	if seed.Temperature != nil {
		car.Temperature = *seed.Temperature
	}

	if seed.TopP != nil {
		car.TopP = *seed.TopP
	}

	if err := s.store.CreateCar(ctx, car); err != nil {
		return err
	}

	s.log.WithField("car", seed.Name).Info("Seeded car")

	return nil
}

func (s *server) seedSuite(ctx context.Context, seed *config.SeedSuite) error {
	suites, err := s.store.ListSuites(ctx)
	if err != nil {
		return err
	}

	for i := range suites {
		if suites[i].Name == seed.Name {
			return nil
		}
	}

	suite := &store.Suite{
		Name:        seed.Name,
		Category:    seed.Category,
		Description: seed.Description,
		IsDemo:      true,
	}

	if err := s.store.CreateSuite(ctx, suite); err != nil {
		return err
	}

	for _, t := range seed.Tests {
		test := &store.TestCase{
			SuiteID:             suite.ID,
			OrderIndex:          t.OrderIndex,
			Name:                t.Name,
			SystemPrompt:        t.SystemPrompt,
			UserPrompt:          t.UserPrompt,
			ExpectedConstraints: t.ExpectedConstraints,
		}

		if len(t.ToolsSchema) > 0 {
			test.ToolsSchemaJSON = store.ToJSON(t.ToolsSchema)
		}

		if err := s.store.CreateTest(ctx, test); err != nil {
			return fmt.Errorf("creating test %q: %w", t.Name, err)
		}
	}

	s.log.WithField("suite", seed.Name).
		WithField("tests", len(seed.Tests)).
		Info("Seeded suite")

	return nil
}
