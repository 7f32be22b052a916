package storage

// Schema for a single shard. All rows carry UserId since a shard holds
// many users; a user's rows never span shards.
//
// Modified and TTLExpire are centiseconds since the unix epoch. The
// sync api talks in seconds with two decimal places, the conversion
// happens at the edge.
//
// UserCollections keeps its row when a collection is emptied so the
// delete is still observable through info/collections.
const SCHEMA_0 = `
	CREATE TABLE BSO (
	  UserId         INTEGER NOT NULL,
	  CollectionId   INTEGER NOT NULL,
	  Id             VARCHAR(64) NOT NULL,

	  Modified       INTEGER NOT NULL,
	  SortIndex      INTEGER,
	  TTLExpire      INTEGER,

	  Payload        TEXT NOT NULL DEFAULT '',
	  PayloadSize    INTEGER NOT NULL DEFAULT 0,

	  PRIMARY KEY (UserId, CollectionId, Id)
	);

	CREATE INDEX BSO_modified ON BSO (UserId, CollectionId, Modified);
	CREATE INDEX BSO_sortindex ON BSO (UserId, CollectionId, SortIndex);

	-- maps user visible collection names to small integers. The well
	-- known names use implicit ids 1-11 and are never persisted here.
	CREATE TABLE Collections (
	  UserId         INTEGER NOT NULL,
	  CollectionId   INTEGER NOT NULL,
	  Name           VARCHAR(32) NOT NULL,

	  PRIMARY KEY (UserId, CollectionId)
	);

	CREATE UNIQUE INDEX Collections_name ON Collections (UserId, Name);

	-- materialised per collection last-modified, updated in the same
	-- transaction as the writes it reflects
	CREATE TABLE UserCollections (
	  UserId         INTEGER NOT NULL,
	  CollectionId   INTEGER NOT NULL,
	  Modified       INTEGER NOT NULL,

	  PRIMARY KEY (UserId, CollectionId)
	);

	CREATE TABLE KeyValues (
	  Key   VARCHAR(32) NOT NULL,
	  Value VARCHAR(32) NOT NULL,
	  PRIMARY KEY (Key)
	);

	INSERT INTO KeyValues (Key, Value) VALUES ("SCHEMA_VERSION", 0);
	`
