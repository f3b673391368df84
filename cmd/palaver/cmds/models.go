package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/palaver/pkg/worker"
)

type ModelsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ModelsCommand)(nil)

type ModelsSettings struct {
	NoRefresh bool `glazed.parameter:"no-refresh"`
}

func NewModelsCommand() (*ModelsCommand, error) {
	glazedParameterLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	return &ModelsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"models",
			cmds.WithShort("List the models served by the controller"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"no-refresh",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Do not ask the controller to refresh its workers first"),
					parameters.WithDefault(false),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	ms := &ModelsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, ms); err != nil {
		return err
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}
	return emitModels(ctx, newControllerClient(s), ms.NoRefresh, gp)
}

// emitModels adds one row per model, in the controller's priority order.
func emitModels(ctx context.Context, controller *worker.ControllerClient, noRefresh bool, gp middlewares.Processor) error {
	if !noRefresh {
		if err := controller.RefreshAllWorkers(ctx); err != nil {
			return err
		}
	}
	models, err := controller.ListModels(ctx)
	if err != nil {
		return err
	}
	for i, m := range models {
		row := types.NewRow(
			types.MRP("model", m),
			types.MRP("priority", i),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
