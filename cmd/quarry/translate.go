package quarry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/edgeflare/quarry/pkg/query"
	"github.com/edgeflare/quarry/pkg/rest"
	"github.com/edgeflare/quarry/pkg/rules"
	pg_query "github.com/pganalyze/pg_query_go/v5"
	"github.com/spf13/cobra"
)

var translateOpts struct {
	database string
	table    string
	method   string
	id       string
	query    string
	body     string
}

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Print the SQL a request runs",
	Long: `Translates a request into the SQL statement and arguments the server would run,
checks the statement with the PostgreSQL parser and prints its fingerprint.
The table's configured policy is used when --database names a configured database.`,
	Example: `  quarry translate --table cats --query 'q={"name":"Baron"}&s={"age":-1}'
  quarry translate --table cats --method PUT --id 3 --body '{"cat":{"age":8}}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := lookupTable(translateOpts.database, translateOpts.table)
		if err != nil {
			return err
		}
		return translate(cmd.OutOrStdout(), t, translateOpts.method, translateOpts.id, translateOpts.query, translateOpts.body)
	},
}

func init() {
	f := translateCmd.Flags()
	f.StringVarP(&translateOpts.database, "database", "d", "", "configured database whose table policy applies")
	f.StringVarP(&translateOpts.table, "table", "t", "", "table name")
	f.StringVarP(&translateOpts.method, "method", "X", http.MethodGet, "HTTP method")
	f.StringVar(&translateOpts.id, "id", "", "record id, addresses a single record")
	f.StringVarP(&translateOpts.query, "query", "q", "", "raw query string, e.g. 'q={\"age\":3}&l=10'")
	f.StringVarP(&translateOpts.body, "body", "b", "", "JSON request body for POST and PUT")
	translateCmd.MarkFlagRequired("table")
	rootCmd.AddCommand(translateCmd)
}

// lookupTable returns the configured table, or one with default policy when database is empty.
func lookupTable(database, table string) (*rest.Table, error) {
	if database == "" {
		if !query.ValidIdentifier(table) {
			return nil, fmt.Errorf("%w: %q", query.ErrInvalidIdentifier, table)
		}
		t := rest.NewTable(table, rest.AllowAll())
		if cfg != nil {
			t.MaxResults = cfg.MaxResults
		}
		return t, nil
	}

	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}
	registry, err := rest.RegistryFromConfig(cfg, nil, engine, logger)
	if err != nil {
		return nil, err
	}
	_, t, err := registry.Lookup(database, table)
	return t, err
}

func translate(w io.Writer, t *rest.Table, method, id, rawQuery, body string) error {
	action, enumerate, err := rest.ResolveAction(strings.ToUpper(method), id != "")
	if err != nil {
		return err
	}
	if enumerate {
		return errors.New("OPTIONS runs no statement")
	}

	var (
		spec   query.Spec
		record []query.Pair
	)
	switch action {
	case rest.Find, rest.FindAll:
		spec, err = query.Build(rawQuery, query.Options{MaxResults: t.MaxResults})
	case rest.Create, rest.Update:
		record, err = rest.DecodeRecord(t, []byte(body))
	}
	if err != nil {
		return err
	}

	stmt, err := rest.BuildStatement(t, action, spec, id, record)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "action: %s\n", action)
	if err := printStatement(w, "", stmt.Compiled); err != nil {
		return err
	}
	if stmt.Count != nil {
		return printStatement(w, "count ", *stmt.Count)
	}
	return nil
}

func printStatement(w io.Writer, label string, c query.Compiled) error {
	if _, err := pg_query.Parse(c.SQL); err != nil {
		return fmt.Errorf("generated SQL does not parse: %w", err)
	}
	fingerprint, err := pg_query.Fingerprint(c.SQL)
	if err != nil {
		return err
	}
	args, err := json.Marshal(c.Args)
	if err != nil {
		return err
	}
	if c.Args == nil {
		args = []byte("[]")
	}

	fmt.Fprintf(w, "%ssql: %s\n", label, c.SQL)
	fmt.Fprintf(w, "%sargs: %s\n", label, args)
	fmt.Fprintf(w, "%sfingerprint: %s\n", label, fingerprint)
	return nil
}
