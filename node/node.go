package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	dbm "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/config"
	"github.com/wangzhecodingfy/rei/consensus"
	"github.com/wangzhecodingfy/rei/evidence"
	"github.com/wangzhecodingfy/rei/libs/metric"
	"github.com/wangzhecodingfy/rei/mempool"
	"github.com/wangzhecodingfy/rei/privval"
	"github.com/wangzhecodingfy/rei/rpc"
	sm "github.com/wangzhecodingfy/rei/state"
	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
	"github.com/wangzhecodingfy/rei/worker"
)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *config.Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the ctx.Config.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	dbType := dbm.BackendType(ctx.Config.DBBackend)
	return dbm.NewDB(ctx.ID, dbType, ctx.Config.DBDir())
}

// Provider takes a config and a logger and returns a ready to go Node.
type Provider func(*config.Config, log.Logger) (*Node, error)

// DefaultNewNode returns a Node with the key files, the genesis file and the
// databases configured in config.
func DefaultNewNode(config *config.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load or gen node key %s", config.NodeKeyFile())
	}
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), config.PrivValidatorStateFile())

	return NewNode(config, pv, nodeKey, genDoc, DefaultDBProvider, logger)
}

// Node wires the Reimint components together and runs them behind the p2p
// switch and the RPC server.
type Node struct {
	service.BaseService

	// config
	config        *config.Config
	genesisDoc    *types.GenesisDoc
	privValidator types.PrivValidator

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	// services
	dbs              []dbm.DB
	blockStore       *store.BlockStore
	kvStore          *store.KVStore
	valSets          *sm.ValidatorSets
	pipeline         *sm.BlockCommitPipeline
	mempool          *mempool.ListMempool
	mempoolReactor   *mempool.Reactor
	evidencePool     *evidence.Pool
	worker           *worker.Worker
	wal              *consensus.DBWAL
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	metricSet        *metric.MetricSet
	rpcListeners     []net.Listener
}

// Option sets a parameter for the node.
type Option func(*Node)

// NewNode returns a new, ready to go Node. The databases are opened here
// and closed by OnStop.
func NewNode(
	config *config.Config,
	privValidator types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	dbProvider DBProvider,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	node := &Node{
		config:        config,
		genesisDoc:    genDoc,
		privValidator: privValidator,
		nodeKey:       nodeKey,
		metricSet:     metric.NewMetricSet(),
	}
	if err := node.createComponents(dbProvider, logger); err != nil {
		node.closeDBs()
		return nil, err
	}

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		node.closeDBs()
		return nil, err
	}
	node.nodeInfo = nodeInfo
	node.transport = createTransport(config, nodeInfo, nodeKey)
	node.sw = createSwitch(config, node.transport, node.consensusReactor, node.mempoolReactor,
		nodeInfo, nodeKey, logger.With("module", "p2p"))

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}
	return node, nil
}

func (n *Node) openDB(dbProvider DBProvider, id string) (dbm.DB, error) {
	db, err := dbProvider(&DBContext{ID: id, Config: n.config})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", id)
	}
	n.dbs = append(n.dbs, db)
	return db, nil
}

func (n *Node) createComponents(dbProvider DBProvider, logger log.Logger) error {
	blockDB, err := n.openDB(dbProvider, "blockstore")
	if err != nil {
		return err
	}
	stateDB, err := n.openDB(dbProvider, "state")
	if err != nil {
		return err
	}
	snapshotDB, err := n.openDB(dbProvider, "snapshot")
	if err != nil {
		return err
	}
	evidenceDB, err := n.openDB(dbProvider, "evidence")
	if err != nil {
		return err
	}

	n.blockStore = store.NewBlockStore(blockDB)
	n.kvStore = store.NewKVStoreWithDB(stateDB, logger.With("module", "store"))
	n.valSets = sm.NewValidatorSets(store.NewSnapshotStore(snapshotDB), n.blockStore)

	state, err := sm.LoadStateFromDBOrGenesisDoc(n.blockStore, n.kvStore, n.valSets, n.genesisDoc)
	if err != nil {
		return errors.Wrap(err, "failed to load state")
	}
	logger.Info("Loaded head", "height", state.LastBlock.Height, "hash", state.LastBlock.Hash())

	exec := sm.NewExecutor(n.kvStore, n.valSets)
	exec.SetLogger(logger.With("module", "state"))

	n.pipeline = sm.NewBlockCommitPipeline(state, exec, n.kvStore, n.blockStore, n.valSets,
		sm.PipelineWithQueueSize(n.config.Reimint.CommitQueueSize))
	n.pipeline.SetLogger(logger.With("module", "pipeline"))

	n.evidencePool, err = evidence.NewPool(evidenceDB, state.ChainID, n.valSets,
		evidence.WithRetention(n.config.Reimint.EvidenceRetention))
	if err != nil {
		return errors.Wrap(err, "failed to create evidence pool")
	}
	n.evidencePool.SetLogger(logger.With("module", "evidence"))

	// the tx callback only fires once the node runs, after the worker exists
	n.mempool = mempool.NewListMempool(n.config.Mempool, state.LastBlock.Height,
		mempool.WithNewTxCallback(n.onNewTx))
	n.mempool.SetLogger(logger.With("module", "mempool"))

	n.worker = worker.NewWorker(
		n.privValidator.GetAddress(),
		state.ConsensusParams.BlockPeriod,
		exec,
		n.mempool,
		worker.WithEvidenceSource(n.evidencePool, n.config.Reimint.MaxEvidencePerBlock),
		worker.WithCache(n.config.Reimint.PendingBlockCacheSize, n.config.Reimint.PendingBlockWaitTimeout),
	)
	n.worker.SetLogger(logger.With("module", "worker"))

	n.mempoolReactor = mempool.NewReactor(n.config.Mempool, n.mempool)
	n.mempoolReactor.SetLogger(logger.With("module", "mempool"))

	if err := tmos.EnsureDir(n.config.WALDir(), config.DefaultDirPerm); err != nil {
		return err
	}
	walDB, err := dbm.NewDB("wal", dbm.BackendType(n.config.DBBackend), n.config.WALDir())
	if err != nil {
		return errors.Wrap(err, "failed to open wal")
	}
	if n.wal, err = consensus.NewDBWAL(walDB); err != nil {
		walDB.Close()
		return errors.Wrap(err, "failed to open wal")
	}
	n.wal.SetLogger(logger.With("module", "wal"))

	n.consensusState = consensus.NewConsensusState(
		n.config.Consensus,
		state,
		exec,
		n.worker,
		n.pipeline,
		n.evidencePool,
		n.wal,
		consensus.WithPrivValidator(n.privValidator),
	)
	n.consensusReactor = consensus.NewReactor(n.consensusState, n.evidencePool, n.blockStore)
	n.consensusReactor.SetLogger(logger.With("module", "consensus"))

	n.evidencePool.OnEvidence(n.consensusReactor.GossipEvidence)
	if err := n.pipeline.OnNewHead("node", n.onNewHead); err != nil {
		return err
	}

	for label, item := range map[string]metric.MetricItem{
		"consensus": n.consensusState.Metric(),
		"mempool":   n.mempool.Metric(),
		"worker":    n.worker.Metric(),
	} {
		if err := n.metricSet.SetMetrics(label, item); err != nil {
			return err
		}
	}
	return nil
}

// onNewTx hands a freshly accepted tx to the pending block worker.
func (n *Node) onNewTx(tx types.Tx) {
	n.worker.AddTxs(map[string]types.Txs{tx.From.Key(): {tx}})
}

// onNewHead runs on the pipeline routine for every block that extended the
// chain.
func (n *Node) onNewHead(ev sm.NewHeadEvent) {
	height := ev.Block.Height

	accounts, err := n.kvStore.LoadState(ev.Block.StateRoot)
	if err != nil {
		n.Logger.Error("Failed to load head accounts", "height", height, "err", err)
	} else {
		n.mempool.Lock()
		if err := n.mempool.Update(height, ev.Block.Txs, accounts); err != nil {
			n.Logger.Error("Failed to update mempool", "height", height, "err", err)
		}
		n.mempool.Unlock()
	}

	if err := n.evidencePool.Update(ev.Block.Evidence, height); err != nil {
		n.fatal(errors.Wrapf(err, "failed to update evidence at height %d", height))
		return
	}

	if err := n.worker.OnNewHead(&ev.Block.Header); err != nil {
		n.Logger.Error("Failed to start pending block", "height", height+1, "err", err)
	}
}

// fatal stops the node after a persistence failure. Consensus must not go
// on without durable evidence.
func (n *Node) fatal(err error) {
	n.Logger.Error("CONSENSUS FAILURE!!! stopping node", "err", err)
	go func() {
		if err := n.Stop(); err != nil {
			n.Logger.Error("Failed to stop node", "err", err)
		}
	}()
}

// OnStart starts the pipeline, the RPC server and the p2p switch, which in
// turn starts consensus.
func (n *Node) OnStart() error {
	state := n.pipeline.State()

	if err := n.pipeline.Start(); err != nil {
		return err
	}
	if err := n.evidencePool.Init(state.LastBlock.Height); err != nil {
		return errors.Wrap(err, "failed to init evidence pool")
	}
	if err := n.worker.OnNewHead(state.LastBlock); err != nil {
		return errors.Wrap(err, "failed to start pending block")
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the switch (and the reactors)
	if err := n.sw.Start(); err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}
	return nil
}

// OnStop stops the services in reverse order and closes the databases.
func (n *Node) OnStop() {
	n.Logger.Info("Stopping Node")

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error closing switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}
	if err := n.pipeline.Stop(); err != nil {
		n.Logger.Error("Error stopping commit pipeline", "err", err)
	}
	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}
	n.closeDBs()
}

func (n *Node) closeDBs() {
	if n.wal != nil {
		if err := n.wal.Close(); err != nil && n.Logger != nil {
			n.Logger.Error("Error closing wal", "err", err)
		}
	}
	for _, db := range n.dbs {
		if err := db.Close(); err != nil && n.Logger != nil {
			n.Logger.Error("Error closing db", "err", err)
		}
	}
	n.dbs = nil
}

func (n *Node) startRPC() ([]net.Listener, error) {
	rpc.SetEnvironment(&rpc.Environment{
		ConsensusState:   n.consensusState,
		Mempool:          n.mempool,
		EvidencePool:     n.evidencePool,
		ValidatorSets:    n.valSets,
		BlockStore:       n.blockStore,
		MetricSet:        n.metricSet,
		ValidatorAddress: n.privValidator.GetAddress(),
		Logger:           n.Logger.With("module", "rpc"),
	})

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	rpcLogger := n.Logger.With("module", "rpc-server")
	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		wm := rpcserver.NewWebsocketManager(rpc.Routes, rpcserver.ReadLimit(config.MaxBodyBytes))
		wm.SetLogger(rpcLogger.With("protocol", "websocket"))
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)
		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				n.Logger.Error("Error serving server", "err", err)
			}
		}()
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

// Switch returns the Node's Switch.
func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

// NodeInfo returns the Node's Info from the Switch.
func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

// ConsensusState returns the Node's ConsensusState.
func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

// Mempool returns the Node's mempool.
func (n *Node) Mempool() *mempool.ListMempool {
	return n.mempool
}

// BlockStore returns the Node's BlockStore.
func (n *Node) BlockStore() *store.BlockStore {
	return n.blockStore
}

// EvidencePool returns the Node's EvidencePool.
func (n *Node) EvidencePool() *evidence.Pool {
	return n.evidencePool
}

// MetricSet returns the metrics of every component.
func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

func createTransport(
	config *config.Config,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)

	// Limit the number of incoming connections.
	max := config.P2P.MaxNumInboundPeers + len(splitAndTrimEmpty(config.P2P.UnconditionalPeerIDs, ",", " "))
	p2p.MultiplexTransportMaxIncomingConnections(max)(transport)

	return transport
}

func createSwitch(config *config.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	mempoolReactor *mempool.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. Empty strings are filtered out.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
