package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/ledger"
	"finet/internal/session"
	"finet/internal/sheets"
	"finet/internal/storage"
)

// ErrNotLoggedIn is returned by commands that need a session.
var ErrNotLoggedIn = errors.New("not logged in, run: finetctl login")

type ledgerAPI interface {
	Wallets(ctx context.Context) ([]core.Wallet, error)
	FindWallet(ctx context.Context, id string) (core.Wallet, error)
	Entries(ctx context.Context) ([]core.Entry, error)
	Entry(ctx context.Context, id string) (core.Entry, error)
	GoogleAuthURL(redirectURL string) string
}

// outboxAdmin inspects the SQLite retry queue.
type outboxAdmin interface {
	Stats(ctx context.Context) (map[storage.AdjustmentStatus]int64, error)
	RetryFailed(ctx context.Context) (int64, error)
}

type ctl struct {
	api      ledgerAPI
	sess     *session.Manager
	ledger   *ledger.Manager
	exporter sheets.LedgerExporter
	outbox   outboxAdmin

	stdin  io.Reader
	lines  *bufio.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func (c *ctl) dispatch(ctx context.Context, cmd string, args []string) error {
	if c.now == nil {
		c.now = time.Now
	}
	switch cmd {
	case "login":
		return c.login(ctx, args)
	case "login-google":
		return c.loginGoogle(ctx, args)
	case "logout":
		return c.logout(ctx)
	case "status":
		return c.status(ctx)
	case "outbox":
		return c.outboxStatus(ctx, args)
	}

	if !c.sess.Check(ctx) {
		return ErrNotLoggedIn
	}
	switch cmd {
	case "wallets":
		return c.wallets(ctx)
	case "entries":
		return c.entries(ctx, args)
	case "add":
		return c.add(ctx, args)
	case "edit":
		return c.edit(ctx, args)
	case "delete":
		return c.delete(ctx, args)
	case "recompute":
		return c.recompute(ctx, args)
	case "export":
		return c.export(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *ctl) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *ctl) readLine(prompt string) (string, error) {
	fmt.Fprint(c.stdout, prompt)
	if c.lines == nil {
		c.lines = bufio.NewReader(c.stdin)
	}
	line, err := c.lines.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *ctl) readPassword() (string, error) {
	if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.stdout, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.stdout)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return c.readLine("Password: ")
}

func (c *ctl) login(ctx context.Context, args []string) error {
	fs := c.flags("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password (prompted when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if *email == "" {
		if *email, err = c.readLine("Email: "); err != nil {
			return fmt.Errorf("read email: %w", err)
		}
	}
	if *password == "" {
		if *password, err = c.readPassword(); err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}
	if strings.TrimSpace(*email) == "" || *password == "" {
		return errors.New("email and password are required")
	}

	user, err := c.sess.Login(ctx, *email, *password)
	if err != nil {
		return errors.New(api.LoginErrorMessage(err))
	}
	fmt.Fprintf(c.stdout, "Logged in as %s\n", user.DisplayName())
	return nil
}

func (c *ctl) loginGoogle(ctx context.Context, args []string) error {
	fs := c.flags("login-google")
	tok := fs.String("token", "", "token from the Google sign-in redirect")
	redirect := fs.String("redirect", "", "redirect URL handed to the API")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tok == "" {
		fmt.Fprintf(c.stdout, "Open this URL to sign in with Google:\n%s\n\nThen run: finetctl login-google -token <token>\n",
			c.api.GoogleAuthURL(*redirect))
		return nil
	}
	user, err := c.sess.LoginWithToken(ctx, *tok)
	if err != nil {
		return fmt.Errorf("google sign-in: %w", err)
	}
	fmt.Fprintf(c.stdout, "Logged in as %s\n", user.DisplayName())
	return nil
}

func (c *ctl) logout(ctx context.Context) error {
	if err := c.sess.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "Logged out.")
	return nil
}

func (c *ctl) status(ctx context.Context) error {
	if !c.sess.Check(ctx) {
		fmt.Fprintln(c.stdout, "Not logged in.")
		if ev, ok := c.sess.LastEviction(); ok && ev.Reason != session.ReasonLogout {
			fmt.Fprintln(c.stdout, ev.Message())
		}
		return nil
	}
	u := c.sess.User()
	fmt.Fprintf(c.stdout, "Logged in as %s", u.DisplayName())
	if u.Email != "" {
		fmt.Fprintf(c.stdout, " (%s)", u.Email)
	}
	fmt.Fprintln(c.stdout)
	if t := c.sess.LoginTime(); !t.IsZero() {
		fmt.Fprintf(c.stdout, "Since:   %s\n", t.Format(time.DateTime))
	}
	if t := c.sess.ExpiresAt(); !t.IsZero() {
		fmt.Fprintf(c.stdout, "Expires: %s (in %s)\n", t.Format(time.DateTime), t.Sub(c.now()).Round(time.Second))
	}
	return nil
}

func (c *ctl) wallets(ctx context.Context) error {
	wallets, err := c.api.Wallets(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBALANCE")
	for _, w := range wallets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", w.ID, w.Name, core.FormatIDR(w.Balance))
	}
	fmt.Fprintf(tw, "\tTotal\t%s\n", core.FormatIDR(core.TotalBalance(wallets)))
	return tw.Flush()
}

func (c *ctl) entries(ctx context.Context, args []string) error {
	fs := c.flags("entries")
	walletID := fs.String("wallet", "", "only entries of this wallet")
	limit := fs.Int("limit", 0, "show at most this many (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	all, err := c.api.Entries(ctx)
	if err != nil {
		return err
	}
	var list []core.Entry
	if *walletID != "" {
		list = core.WalletEntries(all, *walletID)
	} else {
		list = append(list, all...)
		core.SortByDateDesc(list)
	}
	if *limit > 0 && len(list) > *limit {
		list = list[:*limit]
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tTYPE\tCATEGORY\tNAME\tAMOUNT")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Date, e.Type, e.Category.Label(), e.Name, core.FormatIDR(e.Signed()))
	}
	return tw.Flush()
}

// entryFlags registers the editable entry fields on fs.
type entryFlags struct {
	name, price, typ, category, date, note *string
}

func newEntryFlags(fs *flag.FlagSet) entryFlags {
	return entryFlags{
		name:     fs.String("name", "", "entry name"),
		price:    fs.String("price", "", "positive amount"),
		typ:      fs.String("type", "", "expense or income"),
		category: fs.String("category", "", "Shopping, Food, Transport, Bills or Other"),
		date:     fs.String("date", "", "YYYY-MM-DD"),
		note:     fs.String("note", "", "free text"),
	}
}

// apply overlays the flags that were set onto e.
func (f entryFlags) apply(fs *flag.FlagSet, e core.Entry) (core.Entry, error) {
	var err error
	fs.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		switch fl.Name {
		case "name":
			e.Name = strings.TrimSpace(*f.name)
		case "price":
			var p decimal.Decimal
			if p, err = core.ParseAmount(*f.price); err != nil {
				err = &core.ValidationError{Field: "price", Err: err}
				return
			}
			e.Price = p
		case "type":
			e.Type = core.EntryType(strings.ToLower(strings.TrimSpace(*f.typ)))
		case "category":
			e.Category = core.Category(strings.TrimSpace(*f.category)).OrOther()
		case "date":
			var d core.Date
			if d, err = core.ParseDate(*f.date); err != nil {
				err = &core.ValidationError{Field: "date", Err: err}
				return
			}
			e.Date = d
		case "note":
			e.Note = *f.note
		}
	})
	return e, err
}

func (c *ctl) add(ctx context.Context, args []string) error {
	fs := c.flags("add")
	walletID := fs.String("wallet", "", "wallet id (required)")
	ef := newEntryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := ef.apply(fs, core.Entry{
		WalletID: *walletID,
		Type:     core.Expense,
		Category: core.CategoryOther,
		Date:     core.DateOf(c.now()),
	})
	if err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}

	wallet, err := c.api.FindWallet(api.NoCache(ctx), *walletID)
	if err != nil {
		return err
	}
	res, err := c.ledger.CreateEntry(ctx, wallet, e)
	if err != nil {
		return err
	}
	c.report("Added", res)
	return nil
}

// loadEntry fetches the wallet and an entry that must belong to it.
func (c *ctl) loadEntry(ctx context.Context, walletID, entryID string) (core.Wallet, core.Entry, error) {
	if walletID == "" || entryID == "" {
		return core.Wallet{}, core.Entry{}, errors.New("-wallet and -id are required")
	}
	fresh := api.NoCache(ctx)
	wallet, err := c.api.FindWallet(fresh, walletID)
	if err != nil {
		return core.Wallet{}, core.Entry{}, err
	}
	e, err := c.api.Entry(fresh, entryID)
	if err != nil {
		return core.Wallet{}, core.Entry{}, err
	}
	if e.WalletID != "" && e.WalletID != wallet.ID {
		return core.Wallet{}, core.Entry{}, fmt.Errorf("entry %s is not in wallet %s: %w", entryID, walletID, api.ErrNotFound)
	}
	return wallet, e, nil
}

func (c *ctl) edit(ctx context.Context, args []string) error {
	fs := c.flags("edit")
	walletID := fs.String("wallet", "", "wallet id (required)")
	entryID := fs.String("id", "", "entry id (required)")
	ef := newEntryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	wallet, old, err := c.loadEntry(ctx, *walletID, *entryID)
	if err != nil {
		return err
	}
	updated, err := ef.apply(fs, old)
	if err != nil {
		return err
	}
	res, err := c.ledger.EditEntry(ctx, wallet, old, updated)
	if err != nil {
		return err
	}
	c.report("Updated", res)
	return nil
}

func (c *ctl) delete(ctx context.Context, args []string) error {
	fs := c.flags("delete")
	walletID := fs.String("wallet", "", "wallet id (required)")
	entryID := fs.String("id", "", "entry id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	wallet, e, err := c.loadEntry(ctx, *walletID, *entryID)
	if err != nil {
		return err
	}
	res, err := c.ledger.DeleteEntry(ctx, wallet, e)
	if err != nil {
		return err
	}
	c.report("Deleted", res)
	return nil
}

func (c *ctl) report(verb string, res ledger.Result) {
	fmt.Fprintf(c.stdout, "%s entry %s (%s)\n", verb, res.Entry.ID, res.Entry.Name)
	switch res.Outcome {
	case ledger.Applied:
		fmt.Fprintf(c.stdout, "Balance: %s\n", core.FormatIDR(res.Balance))
	case ledger.Queued:
		fmt.Fprintf(c.stderr, "warning: balance write failed and was queued for retry (target %s)\n", core.FormatIDR(res.Balance))
	case ledger.Dropped:
		fmt.Fprintf(c.stderr, "warning: balance write failed: %v\n", res.BalanceErr)
	case ledger.Deferred:
		fmt.Fprintln(c.stdout, "Balance is maintained by the server.")
	}
}

func (c *ctl) recompute(ctx context.Context, args []string) error {
	fs := c.flags("recompute")
	walletID := fs.String("wallet", "", "wallet id (required)")
	opening := fs.String("opening", "0", "opening balance before the first entry")
	apply := fs.Bool("apply", false, "write the recomputed balance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	base, err := decimal.NewFromString(strings.TrimSpace(*opening))
	if err != nil {
		return fmt.Errorf("invalid -opening %q", *opening)
	}

	d, err := c.ledger.Recompute(ctx, *walletID, base)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Wallet %s: cached %s, computed %s from %d entries\n",
		d.WalletID, core.FormatIDR(d.Cached), core.FormatIDR(d.Computed), d.Entries)
	if d.InSync() {
		fmt.Fprintln(c.stdout, "In sync.")
		return nil
	}
	fmt.Fprintf(c.stdout, "Drift: %s\n", d.Diff.StringFixed(2))
	if !*apply {
		fmt.Fprintln(c.stdout, "Run again with -apply to write the computed balance.")
		return nil
	}
	if _, err := c.ledger.ApplyRecompute(ctx, d); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "Balance updated.")
	return nil
}

func (c *ctl) export(ctx context.Context, args []string) error {
	fs := c.flags("export")
	walletID := fs.String("wallet", "", "wallet id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.exporter == nil {
		return errors.New("export is not configured")
	}

	fresh := api.NoCache(ctx)
	wallet, err := c.api.FindWallet(fresh, *walletID)
	if err != nil {
		return err
	}
	all, err := c.api.Entries(fresh)
	if err != nil {
		return err
	}
	ref, err := c.exporter.Export(ctx, wallet, core.WalletEntries(all, wallet.ID))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Exported %s to %s\n", wallet.Name, ref)
	return nil
}

func (c *ctl) outboxStatus(ctx context.Context, args []string) error {
	fs := c.flags("outbox")
	requeue := fs.Bool("requeue", false, "make failed adjustments due again")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.outbox == nil {
		return errors.New("outbox needs BALANCE_RETRY_BACKEND=sqlite")
	}

	if *requeue {
		n, err := c.outbox.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Requeued %d adjustments.\n", n)
	}
	stats, err := c.outbox.Stats(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	for _, st := range []storage.AdjustmentStatus{storage.StatusPending, storage.StatusProcessing, storage.StatusFailed, storage.StatusDone} {
		fmt.Fprintf(tw, "%s\t%d\n", st, stats[st])
	}
	return tw.Flush()
}
