package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pantry/internal/types"
)

var listRecipes []string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Manage shopping lists",
}

var listAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Build a shopping list from recipes",
	Args:  cobra.ExactArgs(1),
	RunE:  runListAdd,
}

var listLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List shopping lists",
	Args:  cobra.NoArgs,
	RunE:  runListLs,
}

var listShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one shopping list",
	Args:  cobra.ExactArgs(1),
	RunE:  runListShow,
}

var listRmCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"delete"},
	Short:   "Delete a shopping list",
	Args:    cobra.ExactArgs(1),
	RunE:    runListRm,
}

func init() {
	listAddCmd.Flags().StringArrayVarP(&listRecipes, "recipe", "r", nil,
		"Recipe id to take ingredients from (repeatable)")

	listCmd.AddCommand(listAddCmd)
	listCmd.AddCommand(listLsCmd)
	listCmd.AddCommand(listShowCmd)
	listCmd.AddCommand(listRmCmd)
}

func runListAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	l, err := e.facade.CreateShoppingList(ctx, args[0], listRecipes)
	if err != nil {
		return fmt.Errorf("create shopping list: %w", err)
	}
	return printList(cmd, l)
}

func runListLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	lists, err := e.facade.ListShoppingLists(ctx)
	if err != nil {
		return fmt.Errorf("list shopping lists: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"shopping_lists": lists,
			"total":          len(lists),
		})
	}

	if len(lists) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No shopping lists found.")
		return nil
	}
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tNAME\tITEMS")
	for _, l := range lists {
		fmt.Fprintf(w, "%s\t%s\t%d\n", l.ID, l.Name, len(l.Items))
	}
	return w.Flush()
}

func runListShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	l, err := e.facade.GetShoppingList(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get shopping list: %w", err)
	}
	return printList(cmd, l)
}

func runListRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.facade.DeleteShoppingList(ctx, args[0]); err != nil {
		return fmt.Errorf("delete shopping list: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": args[0]})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted shopping list %s\n", args[0])
	return nil
}

func printList(cmd *cobra.Command, l *types.ShoppingList) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), l)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:     %s\n", l.ID)
	fmt.Fprintf(out, "Name:   %s\n", l.Name)
	fmt.Fprintf(out, "Items:  %s\n", strings.Join(l.Items, ", "))
	return nil
}
