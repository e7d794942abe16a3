package tinytxn

/*
TinyTxn is a distributed transaction coordinator providing optimistic
multi-version concurrency control with snapshot isolation across independent
participant resources. The coordinator stores no user data: participants own
their data and are told which version of history to read and which commit
identifier to stamp writes with.

The `tinytxn` module is organized into the following packages:

* `tx/txn`: transaction identifiers, the client-side transaction view and its
  visibility rules, change ids, and the typed error kinds.
* `tx/manager`: the coordinator state machine - id allocation, in-progress
  tracking, write-write conflict detection, the invalid list, checkpoints,
  expiration sweeps and pruning.
* `tx/persist`: the durability subsystem - the write-ahead edit log with
  group commit and torn-tail tolerant replay, versioned snapshot codecs, and
  the file state storage that ties them together for crash recovery.
* `tx/client`: the client-side orchestrator driving participants through
  start, change collection, pre-commit, persist, commit and post-commit, with
  a pluggable conflict retry strategy and endpoint discovery contract.
* `tx/server`: the service façade translating wire operations into manager
  calls; the RPC transport itself lives outside this module.
* `tx/config`: configuration with toml file loading.
* `log`: the leveled logging wrapper used throughout.
*/
