package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	dbm "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/consensus"
)

var fromSeq uint64

// InspectWALCmd prints the entries of the consensus write ahead log.
var InspectWALCmd = &cobra.Command{
	Use:     "inspect-wal",
	Aliases: []string{"inspect_wal"},
	Short:   "Print the consensus write ahead log",
	PreRun:  deprecateSnakeCase,
	RunE:    inspectWAL,
}

func init() {
	InspectWALCmd.Flags().Uint64Var(&fromSeq, "from", 0, "first sequence number to print")
}

func inspectWAL(cmd *cobra.Command, args []string) error {
	db, err := dbm.NewDB("wal", dbm.BackendType(config.DBBackend), config.WALDir())
	if err != nil {
		return err
	}
	wal, err := consensus.NewDBWAL(db)
	if err != nil {
		db.Close()
		return err
	}
	defer wal.Close()

	it, err := wal.Replay(fromSeq)
	if err != nil {
		return err
	}
	defer it.Close()

	out := cmd.OutOrStdout()
	for {
		msg, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		bz, err := tmjson.Marshal(msg)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(bz))
	}
	fmt.Fprintf(out, "last seq: %d\n", wal.LastSeq())
	return nil
}
