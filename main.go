package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"async-mpc-auction/services"
	"async-mpc-auction/utils"
)

var (
	flagParties  int
	flagFaults   int
	flagBits     int
	flagSeed     int64
	flagBids     string
	flagFaulty   string
	flagOmission float64
	flagTimeout  time.Duration
	flagSilent   bool

	rootCmd = &cobra.Command{
		Use:   "auction",
		Short: "Asynchronous MPC second-price auction demo",
		Long: `Runs a sealed-bid second-price auction between n simulated parties
without a trusted party: bids are secret-shared, the parties agree on the
input set, and the winner and price come out of a jointly evaluated
comparison circuit. Tolerates f omission-faulty parties with n >= 3f+1.`,
		RunE: runAuction,
	}
)

func init() {
	rootCmd.Flags().IntVar(&flagParties, "parties", 4, "number of parties n")
	rootCmd.Flags().IntVar(&flagFaults, "faults", 1, "fault bound f (n >= 3f+1)")
	rootCmd.Flags().IntVar(&flagBits, "bits", 5, "bid bit width k, bids in [0, 2^k)")
	rootCmd.Flags().Int64Var(&flagSeed, "seed", time.Now().UnixNano(), "randomness seed")
	rootCmd.Flags().StringVar(&flagBids, "bids", "15,25,10,20", "comma-separated bids, one per party")
	rootCmd.Flags().StringVar(&flagFaulty, "faulty", "", "comma-separated ids of omission-faulty parties")
	rootCmd.Flags().Float64Var(&flagOmission, "omission", 0.3, "outbound drop probability for faulty parties")
	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", 2*time.Minute, "abort the run after this long")
	rootCmd.Flags().BoolVar(&flagSilent, "silent", false, "disable logs and print only the result")
}

func runAuction(cmd *cobra.Command, args []string) error {
	utils.SetupLogger()

	logLevel := zerolog.InfoLevel
	if flagSilent {
		logLevel = zerolog.Disabled
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}

	bids, err := parseBids(flagBids, flagParties, flagBits)
	if err != nil {
		return err
	}
	faulty, err := parseIDs(flagFaulty, flagParties)
	if err != nil {
		return err
	}

	log.Info().Str("layer", "MAIN").
		Int("n", flagParties).Int("f", flagFaults).Int("k", flagBits).
		Int64("seed", flagSeed).
		Msg("Starting auction simulation")

	auction, err := services.NewAuction(flagParties, flagFaults, flagBits, flagSeed, logLevel)
	if err != nil {
		return err
	}
	defer auction.Stop()

	for _, id := range faulty {
		auction.MarkFaulty(id, flagOmission)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()

	result, err := auction.Run(ctx, bids)
	if err != nil {
		return err
	}

	fmt.Printf("winner: party %d\n", result.Winner)
	fmt.Printf("second price: %d\n", result.SecondPrice)
	for i := 0; i < flagParties; i++ {
		fmt.Printf("  party %d output: %d\n", i, result.Outputs[i])
	}

	stats := auction.Net.Stats()
	log.Info().Str("layer", "MAIN").
		Int64("sent", stats.Total).
		Int64("delivered", stats.Delivered).
		Int64("omitted", stats.Omitted).
		Int("beacon_invocations", auction.Beacon.InvocationCount()).
		Msg("Simulation finished")
	return nil
}

func parseBids(s string, n, k int) (map[int]uint64, error) {
	parts := strings.Split(s, ",")
	if len(parts) > n {
		return nil, fmt.Errorf("got %d bids for %d parties", len(parts), n)
	}
	bids := make(map[int]uint64, len(parts))
	for i, part := range parts {
		bid, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad bid %q: %w", part, err)
		}
		if bid >= 1<<uint(k) {
			return nil, fmt.Errorf("bid %d exceeds the %d-bit range", bid, k)
		}
		bids[i] = bid
	}
	return bids, nil
}

func parseIDs(s string, n int) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad party id %q: %w", part, err)
		}
		if id < 0 || id >= n {
			return nil, fmt.Errorf("party id %d out of range", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
