package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kzyno/bankroll-engine/internal/address"
	"github.com/kzyno/bankroll-engine/internal/config"
	"github.com/kzyno/bankroll-engine/internal/fixedpoint"
	"github.com/kzyno/bankroll-engine/internal/model"
	"github.com/kzyno/bankroll-engine/internal/pool"
	"github.com/kzyno/bankroll-engine/internal/store"
)

var (
	inspectOwner string
	inspectLimit int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the pool ledger, positions and journal",
	Long: `Read the configured store directly and print its state as tables.

Subcommands:
  pool       - the ledger, synced against the vault
  positions  - an owner's liquidity positions with their current value
  journal    - journal events, newest first

Examples:
  kzyno inspect pool
  kzyno inspect positions --owner alice
  kzyno inspect journal --owner alice --limit 20`,
}

var inspectPoolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Print the pool ledger",
	Args:  cobra.NoArgs,
	RunE:  withStore(runInspectPool),
}

var inspectPositionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Print an owner's liquidity positions",
	Args:  cobra.NoArgs,
	RunE:  withStore(runInspectPositions),
}

var inspectJournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print journal events",
	Args:  cobra.NoArgs,
	RunE:  withStore(runInspectJournal),
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectPoolCmd)
	inspectCmd.AddCommand(inspectPositionsCmd)
	inspectCmd.AddCommand(inspectJournalCmd)

	inspectPositionsCmd.Flags().StringVarP(&inspectOwner, "owner", "o", "", "position owner (required)")
	inspectPositionsCmd.MarkFlagRequired("owner")
	inspectJournalCmd.Flags().StringVarP(&inspectOwner, "owner", "o", "", "only events of this owner")
	inspectJournalCmd.Flags().IntVarP(&inspectLimit, "limit", "n", 50, "maximum number of events (0 = all)")
}

type storeRunner func(ctx context.Context, out io.Writer, cfg *config.Config, st store.Store) error

func withStore(fn storeRunner) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd, 30*time.Second)
		defer cancel()

		st, closeStore, err := openStore(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer closeStore()
		return fn(ctx, cmd.OutOrStdout(), cfg, st)
	}
}

// syncedLedger loads the ledger and syncs a copy against the vault.
func syncedLedger(ctx context.Context, st store.Store) (model.PoolLedger, uint64, error) {
	l, err := st.GetPool(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return model.PoolLedger{}, 0, pool.ErrNotInitialized
	}
	if err != nil {
		return model.PoolLedger{}, 0, err
	}
	vault, err := st.AccountBalance(ctx, address.Vault())
	if err != nil {
		return model.PoolLedger{}, 0, err
	}
	next := *l
	if err := pool.Sync(&next, vault); err != nil {
		return model.PoolLedger{}, 0, err
	}
	return next, vault, nil
}

func runInspectPool(ctx context.Context, out io.Writer, cfg *config.Config, st store.Store) error {
	l, vault, err := syncedLedger(ctx, st)
	if err != nil {
		return err
	}
	return renderLedger(out, l, vault, cfg.Pool.UnitDecimals)
}

func renderLedger(out io.Writer, l model.PoolLedger, vault uint64, decimals int32) error {
	units := func(v uint64) string { return fixedpoint.Units(v, decimals).String() }

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value", "Units")
	table.Append("admin", l.Admin, "")
	table.Append("asset", l.Asset, "")
	table.Append("vault", strconv.FormatUint(vault, 10), units(vault))
	table.Append("user funds", strconv.FormatUint(l.UserFunds, 10), units(l.UserFunds))
	table.Append("bankroll", strconv.FormatUint(l.LastBankroll, 10), units(l.LastBankroll))
	table.Append("principal", strconv.FormatUint(l.PrincipalDeposits, 10), units(l.PrincipalDeposits))
	table.Append("total shares", l.TotalShares.String(), "")
	table.Append("profit/share (raw)", l.ProfitPerShare.String(), l.ProfitPerShare.Decimal().String())
	table.Append("updated", l.UpdatedAt.Format(time.RFC3339), "")
	return table.Render()
}

func runInspectPositions(ctx context.Context, out io.Writer, cfg *config.Config, st store.Store) error {
	l, _, err := syncedLedger(ctx, st)
	if err != nil {
		return err
	}
	positions, err := st.ListPositions(ctx, inspectOwner)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Index", "Deposited", "Shares", "PnL", "Value", "Created")
	for _, p := range positions {
		pnl, value := "underwater", "0"
		if r, err := pool.Valuation(l, p); err == nil {
			pnl, value = r.PnL.String(), fixedpoint.Units(r.Payout, cfg.Pool.UnitDecimals).String()
		} else if !errors.Is(err, pool.ErrNegativePayout) {
			return err
		}
		table.Append(
			strconv.FormatUint(p.Index, 10),
			fixedpoint.Units(p.Deposited, cfg.Pool.UnitDecimals).String(),
			p.Shares.String(),
			pnl,
			value,
			p.CreatedAt.Format(time.RFC3339),
		)
	}
	return table.Render()
}

func runInspectJournal(ctx context.Context, out io.Writer, cfg *config.Config, st store.Store) error {
	events, err := st.ListEvents(ctx, inspectOwner, inspectLimit)
	if err != nil {
		return err
	}
	return renderJournal(out, events, cfg.Pool.UnitDecimals)
}

func renderJournal(out io.Writer, events []model.Event, decimals int32) error {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Time", "Kind", "Owner", "Amount", "Outcome")
	for _, e := range events {
		outcome := ""
		if e.Won != nil {
			outcome = fmt.Sprintf("lost @1:%d", e.Chance)
			if *e.Won {
				outcome = fmt.Sprintf("won @1:%d", e.Chance)
			}
		}
		table.Append(
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			e.Kind,
			e.Owner,
			fixedpoint.Units(e.Amount, decimals).String(),
			outcome,
		)
	}
	return table.Render()
}
