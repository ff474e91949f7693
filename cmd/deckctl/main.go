// deckctl is the batch collaborator for deck preparation: it creates a deck,
// uploads the slide images (with their embedding vectors when available),
// kicks off graph computation and polls until the deck is ready or failed.
// The game server only ever consumes the resulting ready graph.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "deckctl",
		Short:         "Prepare slide decks for the slidedrift game server.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "game server base URL")

	root.AddCommand(createCmd(), uploadCmd(), computeCmd(), statusCmd(), waitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type deckInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	SlideCount int    `json:"slideCount"`
	Error      string `json:"error"`
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new empty deck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"name": args[0]})
			resp, err := http.Post(serverURL+"/decks", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return httpError(resp)
			}
			var d deckInfo
			if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
				return err
			}
			fmt.Println(d.ID)
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	var embeddingsPath string

	cmd := &cobra.Command{
		Use:   "upload <deck-id> <dir>",
		Short: "Upload every image in a directory as sequential slides",
		Long: "Images are taken in lexical filename order and become slides 1..N.\n" +
			"With --embeddings, the JSON file must hold an array of vectors, one per slide in the same order.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deckID, dir := args[0], args[1]

			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}
			var names []string
			for _, e := range entries {
				if !e.IsDir() {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			if len(names) == 0 {
				return fmt.Errorf("no files in %s", dir)
			}

			var embeddings [][]float64
			if embeddingsPath != "" {
				raw, err := os.ReadFile(embeddingsPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &embeddings); err != nil {
					return fmt.Errorf("parse %s: %w", embeddingsPath, err)
				}
				if len(embeddings) != len(names) {
					return fmt.Errorf("%d embeddings for %d slides", len(embeddings), len(names))
				}
			}

			for i, name := range names {
				image, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					return err
				}

				url := fmt.Sprintf("%s/decks/%s/slides/%d", serverURL, deckID, i+1)
				req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(image))
				if err != nil {
					return err
				}
				contentType := mime.TypeByExtension(filepath.Ext(name))
				if contentType == "" {
					contentType = "application/octet-stream"
				}
				req.Header.Set("Content-Type", contentType)
				if embeddings != nil {
					vec, _ := json.Marshal(embeddings[i])
					req.Header.Set("X-Embedding", string(vec))
				}

				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return err
				}
				ok := resp.StatusCode == http.StatusOK
				if !ok {
					err := httpError(resp)
					resp.Body.Close()
					return fmt.Errorf("slide %d (%s): %w", i+1, name, err)
				}
				resp.Body.Close()
				fmt.Printf("uploaded slide %d/%d (%s)\n", i+1, len(names), name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&embeddingsPath, "embeddings", "", "JSON file with one embedding vector per slide")
	return cmd
}

func computeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compute <deck-id>",
		Short: "Trigger similarity graph computation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(serverURL+"/decks/"+args[0]+"/compute", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return httpError(resp)
			}
			fmt.Println("computation started")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deck-id>",
		Short: "Show deck status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := fetchDeck(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d slides\t%s\n", d.ID, d.Status, d.SlideCount, d.Error)
			return nil
		},
	}
}

func waitCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <deck-id>",
		Short: "Poll until the deck is ready or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline := time.Now().Add(timeout)
			for {
				d, err := fetchDeck(args[0])
				if err != nil {
					return err
				}
				switch d.Status {
				case "ready":
					fmt.Println("ready")
					return nil
				case "failed":
					return fmt.Errorf("deck failed: %s", d.Error)
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out with deck still %s", d.Status)
				}
				time.Sleep(2 * time.Second)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}

func fetchDeck(deckID string) (deckInfo, error) {
	resp, err := http.Get(serverURL + "/decks/" + deckID)
	if err != nil {
		return deckInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return deckInfo{}, httpError(resp)
	}
	var d deckInfo
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return deckInfo{}, err
	}
	return d, nil
}

func httpError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", body.Error, body.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
