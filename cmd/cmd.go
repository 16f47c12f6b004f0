package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/S-Moer/DeepCTR/api"
	"github.com/S-Moer/DeepCTR/envconfig"
	"github.com/S-Moer/DeepCTR/format"
	"github.com/S-Moer/DeepCTR/fs"
	"github.com/S-Moer/DeepCTR/logutil"
	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/model"
	"github.com/S-Moer/DeepCTR/model/input"
	_ "github.com/S-Moer/DeepCTR/model/models"
	"github.com/S-Moer/DeepCTR/server"
	"github.com/S-Moer/DeepCTR/version"
)

var errModelfileRequired = errors.New("a model file is required, use --file")

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// loadModel builds the model described by --file. Flags override the
// environment for the seed and the checkpoint.
func loadModel(cmd *cobra.Command) (model.Model, error) {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return nil, err
	} else if path == "" {
		return nil, errModelfileRequired
	}

	kv, err := fs.DecodeTOMLFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	params := ml.BackendParams{
		Seed:        envconfig.Seed,
		Weights:     envconfig.Weights,
		NumParallel: envconfig.NumParallel,
	}

	if cmd.Flags().Changed("seed") {
		if params.Seed, err = cmd.Flags().GetUint64("seed"); err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("weights") {
		if params.Weights, err = cmd.Flags().GetString("weights"); err != nil {
			return nil, err
		}
	}

	return model.New(kv, params)
}

func ShowHandler(cmd *cobra.Command, _ []string) error {
	m, err := loadModel(cmd)
	if err != nil {
		return err
	}

	info, err := server.Show(m)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "  architecture    %s\n", info.Architecture)
	fmt.Fprintf(w, "  parameters      %s\n", format.HumanNumber(info.ParameterCount))
	fmt.Fprintf(w, "  l2 penalty      %g\n\n", info.L2Penalty)

	tasks := newTable(w, "TASK", "TYPE")
	for _, t := range info.Tasks {
		tasks.Append([]string{t.Name, t.Type})
	}
	tasks.Render()
	fmt.Fprintln(w)

	features := newTable(w, "FEATURE", "KIND", "WIDTH")
	for _, f := range info.Features {
		features.Append([]string{f.Name, f.Kind, strconv.Itoa(f.Width)})
	}
	features.Render()
	fmt.Fprintln(w)

	components := newTable(w, "COMPONENT", "KIND", "INPUT", "OUTPUT", "CANDIDATES")
	for _, c := range info.Components {
		components.Append([]string{c.Name, c.Kind, width(c.Input), width(c.Output), width(c.Candidates)})
	}
	components.Render()

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		fmt.Fprintln(w)
		parameters := newTable(w, "PARAMETER", "SHAPE")
		for _, name := range info.Parameters {
			parameters.Append([]string{name, fmt.Sprint(m.Backend().Get(name).Shape())})
		}
		parameters.Render()
	}

	return nil
}

func width(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func readRequest(path string) (*api.PredictRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var req api.PredictRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &req, nil
}

// PredictHandler evaluates every input file. Files are evaluated
// concurrently, each in its own context, and reported in argument order.
func PredictHandler(cmd *cobra.Command, args []string) error {
	predict, err := predictor(cmd)
	if err != nil {
		return err
	}

	responses := make([]*api.PredictResponse, len(args))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(envconfig.NumParallel)
	for i, path := range args {
		g.Go(func() error {
			req, err := readRequest(path)
			if err != nil {
				return err
			}

			resp, err := predict(ctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			responses[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(responses)
	}

	table := newTable(w, "FILE", "TASK", "PREDICTIONS")
	for i, resp := range responses {
		for _, p := range resp.Predictions {
			values := make([]string, len(p.Values))
			for j, v := range p.Values {
				values[j] = strconv.FormatFloat(float64(v), 'f', 6, 32)
			}
			table.Append([]string{filepath.Base(args[i]), p.Task, strings.Join(values, " ")})
		}
	}
	table.Render()

	return nil
}

type predictFunc func(context.Context, *api.PredictRequest) (*api.PredictResponse, error)

// predictor evaluates requests locally or, with --remote, on the server
// at PLE_HOST.
func predictor(cmd *cobra.Command) (predictFunc, error) {
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}

		return client.Predict, nil
	}

	m, err := loadModel(cmd)
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, req *api.PredictRequest) (*api.PredictResponse, error) {
		ctx := m.Backend().NewContext()
		defer ctx.Close()

		outputs, err := model.Forward(ctx, m, input.Batch{Size: req.Size, Sparse: req.Sparse, Dense: req.Dense})
		if err != nil {
			return nil, err
		}

		var resp api.PredictResponse
		for name, t := range outputs.All() {
			resp.Predictions = append(resp.Predictions, api.Prediction{Task: name, Values: t.Floats()})
		}
		return &resp, nil
	}, nil
}

func ExportHandler(cmd *cobra.Command, _ []string) error {
	m, err := loadModel(cmd)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	s, _ := cmd.Flags().GetString("dtype")
	dtype, err := ml.ParseDType(s)
	if err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := m.Backend().Save(f, dtype); err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d parameters (%s, %s) to %s\n",
		len(m.Backend().Parameters()), dtype, format.HumanBytes(fi.Size()), output)
	return f.Close()
}

func RunServer(cmd *cobra.Command, _ []string) error {
	m, err := loadModel(cmd)
	if err != nil {
		return err
	}

	hp, err := envconfig.Host()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", hp.String())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx, ln, m)
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	if example, _ := cmd.Flags().GetBool("example-config"); example {
		_, err := io.WriteString(w, envconfig.GenerateExampleConfig())
		return err
	}

	vars := envconfig.AsMap()
	table := newTable(w, "NAME", "VALUE", "DESCRIPTION")
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		table.Append([]string{name, fmt.Sprint(vars[name].Value), vars[name].Description})
	}
	table.Render()
	return nil
}

func versionHandler(cmd *cobra.Command, _ []string) {
	w := cmd.OutOrStdout()
	client, err := api.ClientFromEnvironment()
	if err == nil {
		if serverVersion, err := client.Version(cmd.Context()); err == nil {
			fmt.Fprintf(w, "server version is %s\n", serverVersion)
			if serverVersion != version.Version {
				fmt.Fprintf(w, "Warning: client version is %s\n", version.Version)
			}
			return
		}
	}

	fmt.Fprintf(w, "Warning: could not connect to a running server\n")
	fmt.Fprintf(w, "Warning: client version is %s\n", version.Version)
}

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Model description (TOML)")
	cmd.Flags().Uint64("seed", 0, "Parameter initialization seed (overrides PLE_SEED)")
	cmd.Flags().String("weights", "", "Checkpoint to load parameters from (overrides PLE_WEIGHTS)")
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "ple",
		Short:         "Progressive layered extraction multi-task models",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			logutil.Install(cmd.ErrOrStderr(), envconfig.LogLevel())
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the structure of a model",
		Args:  cobra.NoArgs,
		RunE:  ShowHandler,
	}
	addModelFlags(showCmd)
	showCmd.Flags().Bool("verbose", false, "List every parameter")

	predictCmd := &cobra.Command{
		Use:   "predict INPUT [INPUT...]",
		Short: "Predict every task for batches of raw features",
		Args:  cobra.MinimumNArgs(1),
		RunE:  PredictHandler,
	}
	addModelFlags(predictCmd)
	predictCmd.Flags().Bool("json", false, "Write predictions as JSON")
	predictCmd.Flags().Bool("remote", false, "Send inputs to the server at PLE_HOST")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write model parameters to a checkpoint",
		Args:  cobra.NoArgs,
		RunE:  ExportHandler,
	}
	addModelFlags(exportCmd)
	exportCmd.Flags().StringP("output", "o", "weights.cbor", "Checkpoint path")
	exportCmd.Flags().String("dtype", "f32", "Checkpoint data type (f32, f16, bf16)")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the prediction server",
		Args:    cobra.NoArgs,
		RunE:    RunServer,
	}
	addModelFlags(serveCmd)

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
	envCmd.Flags().Bool("example-config", false, "Print an example configuration file")

	envVars := envconfig.AsMap()
	serveCmd.SetUsageTemplate(serveCmd.UsageTemplate() + fmt.Sprintf(`
Environment Variables:
      %s   %s
      %s      %s
`, envVars["PLE_HOST"].Name, envVars["PLE_HOST"].Description,
		envVars["PLE_DEBUG"].Name, envVars["PLE_DEBUG"].Description))

	rootCmd.AddCommand(showCmd, predictCmd, exportCmd, serveCmd, envCmd)
	return rootCmd
}
