package db

// PostgreSQL migrations for the monetizer tables

var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_monetizer_affiliate_tags_table",
		Up: `
			CREATE TABLE IF NOT EXISTS monetizer_affiliate_tags (
				id BIGSERIAL PRIMARY KEY,
				agent_id TEXT NOT NULL,
				network TEXT NOT NULL,
				tag_value TEXT NOT NULL,
				tag_type TEXT NOT NULL CHECK (tag_type IN ('url', 'parameter', 'wrapper')),
				priority INTEGER NOT NULL DEFAULT 1,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				commission_rate_hint DOUBLE PRECISION NOT NULL DEFAULT 0,
				success_rate DOUBLE PRECISION,
				last_used_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ DEFAULT NOW(),
				updated_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_monetizer_affiliate_tags_agent ON monetizer_affiliate_tags(agent_id, is_active);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_monetizer_affiliate_tags_agent;
			DROP TABLE IF EXISTS monetizer_affiliate_tags;
		`,
	},
	{
		Version: 2,
		Name:    "create_monetizer_commission_rates_table",
		Up: `
			CREATE TABLE IF NOT EXISTS monetizer_commission_rates (
				id BIGSERIAL PRIMARY KEY,
				network TEXT NOT NULL,
				category TEXT NOT NULL,
				subcategory TEXT NOT NULL DEFAULT '',
				rate DOUBLE PRECISION NOT NULL,
				min_rate DOUBLE PRECISION,
				max_rate DOUBLE PRECISION,
				currency TEXT NOT NULL DEFAULT 'INR',
				data_source TEXT NOT NULL DEFAULT 'manual',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				last_updated TIMESTAMPTZ DEFAULT NOW(),
				UNIQUE (network, category, subcategory)
			);
			CREATE INDEX IF NOT EXISTS idx_monetizer_commission_rates_network ON monetizer_commission_rates(network, active);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_monetizer_commission_rates_network;
			DROP TABLE IF EXISTS monetizer_commission_rates;
		`,
	},
	{
		Version: 3,
		Name:    "create_monetizer_category_rules_table",
		Up: `
			CREATE TABLE IF NOT EXISTS monetizer_category_rules (
				id BIGSERIAL PRIMARY KEY,
				category TEXT NOT NULL,
				subcategory TEXT NOT NULL DEFAULT '',
				keywords TEXT[] NOT NULL DEFAULT '{}',
				url_patterns TEXT[] NOT NULL DEFAULT '{}',
				priority INTEGER NOT NULL DEFAULT 1,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ DEFAULT NOW()
			);
		`,
		Down: `
			DROP TABLE IF EXISTS monetizer_category_rules;
		`,
	},
	{
		Version: 4,
		Name:    "create_monetizer_rate_imports_table",
		Up: `
			CREATE TABLE IF NOT EXISTS monetizer_rate_imports (
				batch_id UUID PRIMARY KEY,
				source TEXT NOT NULL,
				sheet_key TEXT,
				rows_total INTEGER NOT NULL DEFAULT 0,
				rows_imported INTEGER NOT NULL DEFAULT 0,
				rows_invalid INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_monetizer_rate_imports_created_at ON monetizer_rate_imports(created_at);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_monetizer_rate_imports_created_at;
			DROP TABLE IF EXISTS monetizer_rate_imports;
		`,
	},
	{
		Version: 5,
		Name:    "add_category_rules_priority_index",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_monetizer_category_rules_priority ON monetizer_category_rules(active, priority DESC);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_monetizer_category_rules_priority;
		`,
	},
}
