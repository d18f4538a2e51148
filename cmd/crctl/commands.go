package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/query"
	"github.com/systemshift/contentrepo/internal/content/session"
)

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Show a node or a property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.sess.GetItem(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if p, ok := item.(*session.Property); ok {
				values, err := propertyStrings(p)
				if err != nil {
					return err
				}
				for _, v := range values {
					fmt.Fprintln(out, v)
				}
				return nil
			}
			return printNode(out, item.(*session.Node))
		},
	}
}

func propertyStrings(p *session.Property) ([]string, error) {
	var values []*core.Value
	var err error
	if p.IsMultiple() {
		values, err = p.Values()
	} else {
		var v *core.Value
		v, err = p.Value()
		values = []*core.Value{v}
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v.Type() == core.TypeBinary {
			b, err := v.GetBinary()
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("<binary, %d bytes>", len(b)))
			continue
		}
		s, err := v.GetString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func printNode(out io.Writer, n *session.Node) error {
	pt, err := n.PrimaryNodeType()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s  [%s]", n.Path(), pt.Name())
	mixins, err := n.MixinNodeTypes()
	if err != nil {
		return err
	}
	for _, m := range mixins {
		fmt.Fprintf(out, " +%s", m.Name())
	}
	fmt.Fprintf(out, "\n  id: %s\n", n.Identifier())

	props, err := n.GetProperties()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, p := range props {
		values, err := propertyStrings(p)
		if err != nil {
			return err
		}
		v := strings.Join(values, ", ")
		if p.IsMultiple() {
			v = "[" + v + "]"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Name(), p.Type(), v)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	children, err := n.GetNodes()
	if err != nil {
		return err
	}
	for _, c := range children {
		name := c.Name()
		if i := c.Index(); i > 1 {
			name = fmt.Sprintf("%s[%d]", name, i)
		}
		fmt.Fprintf(out, "  %s/\n", name)
	}
	return nil
}

func (a *app) setCmd() *cobra.Command {
	var typeName string
	var multiple bool
	cmd := &cobra.Command{
		Use:   "set <node> <property> [value...]",
		Short: "Set a property; no value removes it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.sess.GetNode(args[0])
			if err != nil {
				return err
			}
			name, values := args[1], args[2:]
			if len(values) == 0 {
				p, err := n.GetProperty(name)
				if err != nil {
					return err
				}
				if err := p.Remove(); err != nil {
					return err
				}
				return a.sess.Save(cmd.Context())
			}
			typ := core.TypeString
			if typeName != "" {
				if typ, err = core.ValueFromName(typeName); err != nil {
					return err
				}
			}
			var value any = values[0]
			if multiple || len(values) > 1 {
				value = values
			}
			if _, err := n.SetPropertyType(name, value, typ); err != nil {
				return err
			}
			return a.sess.Save(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "property type name, e.g. Long or Date")
	cmd.Flags().BoolVarP(&multiple, "multiple", "m", false, "store a multi-valued property even for one value")
	return cmd
}

func (a *app) addCmd() *cobra.Command {
	var typeName string
	var mixins []string
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Add a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.sess.RootNode()
			if err != nil {
				return err
			}
			n, err := root.AddNode(strings.TrimPrefix(args[0], "/"), typeName)
			if err != nil {
				return err
			}
			for _, m := range mixins {
				if err := n.AddMixin(m); err != nil {
					return err
				}
			}
			if err := a.sess.Save(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n.Path())
			return nil
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "primary node type (default from the parent's definition)")
	cmd.Flags().StringSliceVar(&mixins, "mixin", nil, "mixin types to add")
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a node or property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.sess.RemoveItem(args[0]); err != nil {
				return err
			}
			return a.sess.Save(cmd.Context())
		},
	}
}

func (a *app) mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dest>",
		Short: "Move a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sess.Workspace().Move(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) queryCmd() *cobra.Command {
	var limit, offset int
	var binds []string
	cmd := &cobra.Command{
		Use:   "query <JCR-SQL2 statement>",
		Short: "Run a query and print the result table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.sess.Workspace().QueryManager().CreateQuery(args[0], query.LanguageSQL2)
			if err != nil {
				return err
			}
			for _, b := range binds {
				name, value, ok := strings.Cut(b, "=")
				if !ok {
					return fmt.Errorf("bind %q: want name=value", b)
				}
				if err := q.BindValue(name, value); err != nil {
					return err
				}
			}
			q.SetLimit(limit)
			q.SetOffset(offset)
			res, err := q.Execute(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			sels := res.SelectorNames()
			cols := res.ColumnNames()
			header := make([]string, 0, len(sels)+len(cols))
			for _, s := range sels {
				header = append(header, s+".path")
			}
			fmt.Fprintln(tw, strings.Join(append(header, cols...), "\t"))
			for _, row := range res.Rows() {
				cells := make([]string, 0, len(header)+len(cols))
				for _, s := range sels {
					p, _ := row.Path(s)
					cells = append(cells, p)
				}
				for _, v := range row.Values() {
					if v == nil {
						cells = append(cells, "")
						continue
					}
					s, err := v.GetString()
					if err != nil {
						return err
					}
					cells = append(cells, s)
				}
				fmt.Fprintln(tw, strings.Join(cells, "\t"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().StringArrayVar(&binds, "bind", nil, "bind variable as name=value")
	return cmd
}

func (a *app) checkinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <path>",
		Short: "Create a version of a versionable node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.sess.Workspace().VersionManager().Checkin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked in %s as version %s\n", args[0], v.Name)
			return nil
		},
	}
}

func (a *app) checkoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <path>",
		Short: "Make a checked-in node modifiable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sess.Workspace().VersionManager().Checkout(cmd.Context(), args[0])
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <path>",
		Short: "List the versions of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm := a.sess.Workspace().VersionManager()
			h, err := vm.History(args[0])
			if err != nil {
				return err
			}
			base, err := vm.BaseVersion(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tCREATED\tLABELS\t")
			for _, v := range h.All() {
				mark := ""
				if v.ID == base.ID {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.Created.Format(time.RFC3339), strings.Join(h.LabelsOf(v.ID), ","), mark)
			}
			return tw.Flush()
		},
	}
}

func (a *app) typesCmd() *cobra.Command {
	var mixinsOnly, userOnly bool
	cmd := &cobra.Command{
		Use:   "types [name]",
		Short: "List node types, or print one definition as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types := a.repo.NodeTypes()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				t, err := types.Get(args[0])
				if err != nil {
					return err
				}
				data, err := nodetype.MarshalDefinitions([]nodetype.Definition{t.Definition()})
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			all := types.All()
			if mixinsOnly {
				all = types.MixinTypes()
			}
			names := make([]string, 0, len(all))
			for _, t := range all {
				if userOnly && types.IsBuiltin(t.Name()) {
					continue
				}
				names = append(names, t.Name())
			}
			slices.Sort(names)
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&mixinsOnly, "mixins", false, "list mixin types only")
	cmd.Flags().BoolVar(&userOnly, "user", false, "list registered (non built-in) types only")
	return cmd
}

func (a *app) importTypesCmd() *cobra.Command {
	var update bool
	cmd := &cobra.Command{
		Use:   "import-types <file.yaml>",
		Short: "Register node types from a YAML definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.sess.CheckPermission("/", string(auth.ActionAddNode)); err != nil {
				return err
			}
			defs, err := nodetype.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			registered, err := a.repo.NodeTypes().RegisterAll(defs, update)
			if err != nil {
				return err
			}
			for _, t := range registered {
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", t.Name())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "replace types that already exist")
	return cmd
}

func (a *app) workspacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "List workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, ws := range a.sess.Workspace().AccessibleWorkspaceNames() {
				mark := ""
				if ws == a.sess.WorkspaceName() {
					mark = " *"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", ws, mark)
			}
			return nil
		},
	}
	var from string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a workspace, optionally cloning another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sess.Workspace().CreateWorkspace(cmd.Context(), args[0], from)
		},
	}
	create.Flags().StringVar(&from, "from", "", "workspace to clone")
	remove := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a workspace and its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sess.Workspace().DeleteWorkspace(cmd.Context(), args[0])
		},
	}
	cmd.AddCommand(create, remove)
	return cmd
}

func (a *app) editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <node> <property>",
		Short: "Edit a string property in the terminal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.sess.GetNode(args[0])
			if err != nil {
				return err
			}
			var current string
			if n.HasProperty(args[1]) {
				p, err := n.GetProperty(args[1])
				if err != nil {
					return err
				}
				if p.IsMultiple() {
					return core.Errorf(core.ErrValueFormat, "crctl.edit", p.Path(), "cannot edit a multi-valued property")
				}
				if current, err = p.GetString(); err != nil {
					return err
				}
			}
			text, saved, err := NewEditor(current).Run()
			if err != nil {
				return err
			}
			if !saved {
				fmt.Fprintln(cmd.ErrOrStderr(), "not saved")
				return nil
			}
			if _, err := n.SetProperty(args[1], text); err != nil {
				return err
			}
			return a.sess.Save(cmd.Context())
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "hash-password",
		Short:       "Print an argon2id hash for the auth.users section of the config",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"offline": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			first, err := promptPassword("New password: ")
			if err != nil {
				return err
			}
			second, err := promptPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if first != second {
				return fmt.Errorf("passwords do not match")
			}
			enc, err := auth.HashPassword(first)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	}
}
