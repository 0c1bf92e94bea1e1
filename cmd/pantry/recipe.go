package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pantry/internal/types"
)

var (
	recipeIngredients []string
	recipeName        string
)

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Manage recipes",
}

var recipeAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a recipe",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipeAdd,
}

var recipeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recipes",
	Args:    cobra.NoArgs,
	RunE:    runRecipeList,
}

var recipeShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one recipe",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipeShow,
}

var recipeEditCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Change a recipe's name or ingredients",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipeEdit,
}

var recipeRmCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"delete"},
	Short:   "Delete a recipe",
	Args:    cobra.ExactArgs(1),
	RunE:    runRecipeRm,
}

func init() {
	recipeAddCmd.Flags().StringArrayVarP(&recipeIngredients, "ingredient", "i", nil,
		"Ingredient (repeatable)")
	recipeEditCmd.Flags().StringArrayVarP(&recipeIngredients, "ingredient", "i", nil,
		"Replacement ingredient (repeatable)")
	recipeEditCmd.Flags().StringVar(&recipeName, "name", "", "New name")

	recipeCmd.AddCommand(recipeAddCmd)
	recipeCmd.AddCommand(recipeListCmd)
	recipeCmd.AddCommand(recipeShowCmd)
	recipeCmd.AddCommand(recipeEditCmd)
	recipeCmd.AddCommand(recipeRmCmd)
}

func runRecipeAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := e.facade.CreateRecipe(ctx, args[0], recipeIngredients)
	if err != nil {
		return fmt.Errorf("create recipe: %w", err)
	}
	return printRecipe(cmd, r)
}

func runRecipeList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	recipes, err := e.facade.ListRecipes(ctx)
	if err != nil {
		return fmt.Errorf("list recipes: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"recipes": recipes,
			"total":   len(recipes),
		})
	}

	if len(recipes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recipes found.")
		return nil
	}
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tNAME\tINGREDIENTS")
	for _, r := range recipes {
		fmt.Fprintf(w, "%s\t%s\t%d\n", r.ID, r.Name, len(r.Ingredients))
	}
	return w.Flush()
}

func runRecipeShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := e.facade.GetRecipe(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get recipe: %w", err)
	}
	return printRecipe(cmd, r)
}

func runRecipeEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	current, err := e.facade.GetRecipe(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get recipe: %w", err)
	}
	name, ingredients := current.Name, current.Ingredients
	if cmd.Flags().Changed("name") {
		name = recipeName
	}
	if cmd.Flags().Changed("ingredient") {
		ingredients = recipeIngredients
	}

	r, err := e.facade.UpdateRecipe(ctx, args[0], name, ingredients)
	if err != nil {
		return fmt.Errorf("update recipe: %w", err)
	}
	return printRecipe(cmd, r)
}

func runRecipeRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openLoggedIn(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.facade.DeleteRecipe(ctx, args[0]); err != nil {
		return fmt.Errorf("delete recipe: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": args[0]})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted recipe %s\n", args[0])
	return nil
}

func printRecipe(cmd *cobra.Command, r *types.Recipe) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), r)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:           %s\n", r.ID)
	fmt.Fprintf(out, "Name:         %s\n", r.Name)
	fmt.Fprintf(out, "Ingredients:  %s\n", strings.Join(r.Ingredients, ", "))
	return nil
}
