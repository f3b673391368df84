package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/palaver/pkg/conversation"
)

type TemplatesCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*TemplatesCommand)(nil)

type TemplatesSettings struct {
	Resolve string `glazed.parameter:"resolve"`
}

func NewTemplatesCommand() (*TemplatesCommand, error) {
	glazedParameterLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	return &TemplatesCommand{
		CommandDescription: cmds.NewCommandDescription(
			"templates",
			cmds.WithShort("List conversation templates, or show the one a model resolves to"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"resolve",
					parameters.ParameterTypeString,
					parameters.WithHelp("Show the template the given model name resolves to"),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *TemplatesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	ts := &TemplatesSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, ts); err != nil {
		return err
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(s)
	if err != nil {
		return err
	}
	if ts.Resolve != "" {
		return emitResolvedTemplate(ctx, registry, ts.Resolve, gp)
	}
	return emitTemplates(ctx, registry, gp)
}

func emitTemplates(ctx context.Context, registry *conversation.Registry, gp middlewares.Processor) error {
	for _, name := range registry.Names() {
		c, err := registry.Get(name)
		if err != nil {
			return err
		}
		row := types.NewRow(
			types.MRP("name", name),
			types.MRP("style", c.SepStyle.String()),
			types.MRP("user_role", c.UserRole()),
			types.MRP("assistant_role", c.AssistantRole()),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func emitResolvedTemplate(ctx context.Context, registry *conversation.Registry, model string, gp middlewares.Processor) error {
	c := registry.Resolve(model)
	row := types.NewRow(
		types.MRP("model", model),
		types.MRP("name", registry.ResolveName(model)),
		types.MRP("style", c.SepStyle.String()),
		types.MRP("system", c.System),
		types.MRP("user_role", c.UserRole()),
		types.MRP("assistant_role", c.AssistantRole()),
		types.MRP("sep", c.Sep),
		types.MRP("sep2", c.Sep2),
		types.MRP("offset", c.Offset),
	)
	return gp.AddRow(ctx, row)
}
