package database

var (
	tableBase = "relay"

	TableRelayedTransaction = tableBase + "_relayed_transaction"
	TableSettlement         = tableBase + "_settlement"
	TablePenalization       = tableBase + "_penalization"
)

var schema = `
CREATE TABLE IF NOT EXISTS ` + TableRelayedTransaction + ` (
	id          bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	inserted_at timestamp NOT NULL default current_timestamp,

	tx_hash       varchar(66) NOT NULL,
	request_hash  varchar(66) NOT NULL,
	relay_worker  varchar(42) NOT NULL,
	relay_manager varchar(42) NOT NULL,
	worker_nonce  bigint NOT NULL,

	sender    varchar(42) NOT NULL,
	target    varchar(42) NOT NULL,
	paymaster varchar(42) NOT NULL,
	fee_mode  text NOT NULL,

	base_relay_fee     NUMERIC(48, 0) NOT NULL,
	pct_relay_fee      NUMERIC(48, 0) NOT NULL,
	gas_price          NUMERIC(48, 0) NOT NULL,
	external_gas_limit NUMERIC(48, 0) NOT NULL,

	tx_gas_limit bigint NOT NULL,
	tx_gas_price NUMERIC(48, 0) NOT NULL,

	signed_request text NOT NULL,
	raw_tx         text NOT NULL,

	UNIQUE (tx_hash)
);

CREATE INDEX IF NOT EXISTS relayed_transaction_worker_idx ON ` + TableRelayedTransaction + `("relay_worker");
CREATE INDEX IF NOT EXISTS relayed_transaction_sender_idx ON ` + TableRelayedTransaction + `("sender");
CREATE INDEX IF NOT EXISTS relayed_transaction_request_hash_idx ON ` + TableRelayedTransaction + `("request_hash");

CREATE TABLE IF NOT EXISTS ` + TableSettlement + ` (
	id          bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	inserted_at timestamp NOT NULL default current_timestamp,

	relayed_transaction_id bigint REFERENCES ` + TableRelayedTransaction + `(id) ON DELETE SET NULL,

	tx_hash       varchar(66) NOT NULL,
	block_number  bigint NOT NULL,
	gas_used      bigint NOT NULL,
	reverted      boolean NOT NULL,
	revert_reason text NOT NULL,

	relay_manager varchar(42) NOT NULL,
	relay_worker  varchar(42) NOT NULL,
	paymaster     varchar(42) NOT NULL,
	status        text NOT NULL,
	charge        NUMERIC(48, 0) NOT NULL,

	UNIQUE (tx_hash)
);

CREATE INDEX IF NOT EXISTS settlement_block_number_idx ON ` + TableSettlement + `("block_number");
CREATE INDEX IF NOT EXISTS settlement_paymaster_idx ON ` + TableSettlement + `("paymaster");

CREATE TABLE IF NOT EXISTS ` + TablePenalization + ` (
	id          bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	inserted_at timestamp NOT NULL default current_timestamp,

	fingerprint   varchar(66) NOT NULL,
	outcome       text NOT NULL,
	reason        text NOT NULL,
	relay_worker  varchar(42) NOT NULL,
	relay_manager varchar(42) NOT NULL,
	reporter      varchar(42) NOT NULL,
	slashed       NUMERIC(48, 0) NOT NULL,
	bounty        NUMERIC(48, 0) NOT NULL,

	UNIQUE (fingerprint)
);

CREATE INDEX IF NOT EXISTS penalization_relay_manager_idx ON ` + TablePenalization + `("relay_manager");
`
