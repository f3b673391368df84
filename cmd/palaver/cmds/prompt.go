package cmds

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/palaver/pkg/conversation"
)

func NewPromptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt [text...]",
		Short: "Render the prompt a model would receive for a single user input",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			registry, err := loadRegistry(s)
			if err != nil {
				return err
			}

			model, _ := cmd.Flags().GetString("model")
			template, _ := cmd.Flags().GetString("template")
			system, _ := cmd.Flags().GetString("system")
			roleSetting, _ := cmd.Flags().GetString("role-setting")
			showSkip, _ := cmd.Flags().GetBool("show-skip")
			asJSON, _ := cmd.Flags().GetBool("json")

			var c *conversation.Conversation
			if template != "" {
				c, err = registry.Get(template)
				if err != nil {
					return err
				}
			} else {
				c = registry.Resolve(model)
			}
			if cmd.Flags().Changed("system") {
				c.System = system
			}
			c.RoleSetting = roleSetting
			c.AppendMessage(c.UserRole(), strings.Join(args, " "))
			c.AppendMessage(c.AssistantRole(), "")

			prompt, err := c.GetPrompt()
			if err != nil {
				return errors.Wrap(err, "could not render prompt")
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"template":      registry.ResolveName(model),
					"prompt":        prompt,
					"state":         c.ToPlainData(),
					"skip_echo_len": conversation.ComputeSkipEchoLen(model, c, prompt),
				})
			}
			if _, err := fmt.Fprintln(w, prompt); err != nil {
				return err
			}
			if showSkip {
				_, err = fmt.Fprintf(w, "skip_echo_len: %d\n", conversation.ComputeSkipEchoLen(model, c, prompt))
			}
			return err
		},
	}
	cmd.Flags().String("model", "vicuna-13b", "Model name the template is resolved from")
	cmd.Flags().String("template", "", "Use this template instead of resolving one from the model")
	cmd.Flags().String("system", "", "Override the system prompt")
	cmd.Flags().String("role-setting", "", "Role setting appended to the system prompt")
	cmd.Flags().Bool("show-skip", false, "Print the echo skip length after the prompt")
	cmd.Flags().Bool("json", false, "Print the prompt and conversation as JSON")
	return cmd
}
