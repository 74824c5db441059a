package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/ssuji15/loracloud/model"
)

var serverURL string

func main() {
	serverURL = os.Getenv("LORACLOUD_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	rootCmd := &cobra.Command{Use: "loractl", SilenceUsage: true}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", serverURL, "loracloud API address")

	rootCmd.AddCommand(
		offersCmd(),
		instancesCmd(),
		launchCmd(),
		stopCmd(),
		tunnelCmd(),
		trainCmd(),
		jobsCmd(),
		cancelCmd(),
		datasetsCmd(),
		uploadCmd(),
		lorasCmd(),
		downloadCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func offersCmd() *cobra.Command {
	var q model.OfferQuery
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Search GPU offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := url.Values{}
			if q.GPUKind != "" {
				v.Set("gpuType", q.GPUKind)
			}
			if q.MinGPURAMGB > 0 {
				v.Set("minGpuRam", strconv.Itoa(q.MinGPURAMGB))
			}
			if q.MaxPricePerHour > 0 {
				v.Set("maxPrice", strconv.FormatFloat(q.MaxPricePerHour, 'f', -1, 64))
			}
			var offers []model.Offer
			if err := call(http.MethodGet, "/offers?"+v.Encode(), nil, &offers); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tGPU\tCOUNT\tRAM GB\t$/H\tLOCATION")
			for _, o := range offers {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.0f\t%.3f\t%s\n", o.ID, o.GPUKind, o.NumGPUs, o.GPURAMGB, o.PricePerHour, o.Location)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&q.GPUKind, "gpu", "", "GPU kind, e.g. \"RTX 4090\"")
	cmd.Flags().IntVar(&q.MinGPURAMGB, "min-ram", 0, "Minimum GPU RAM in GB")
	cmd.Flags().Float64Var(&q.MaxPricePerHour, "max-price", 0, "Maximum price per hour")
	return cmd
}

func instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List rented instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			var instances []model.Instance
			if err := call(http.MethodGet, "/instances", nil, &instances); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tGPU\t$/H\tSSH")
			for _, i := range instances {
				ssh := "-"
				if i.Connection != nil {
					ssh = fmt.Sprintf("%s@%s:%d", i.Connection.User, i.Connection.Host, i.Connection.Port)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\n", i.ID, i.State, i.GPUKind, i.PricePerHour, ssh)
			}
			return w.Flush()
		},
	}
}

func launchCmd() *cobra.Command {
	var req model.LaunchRequest
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Rent the cheapest matching offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var inst model.Instance
			if err := call(http.MethodPost, "/instances/launch", req, &inst); err != nil {
				return err
			}
			fmt.Printf("Instance launched! ID: %s (%s)\n", inst.ID, inst.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Image, "image", "", "Container image (mandatory)")
	cmd.Flags().StringVar(&req.GPUKind, "gpu", "", "GPU kind")
	cmd.Flags().IntVar(&req.DiskGB, "disk", 0, "Disk size in GB")
	cmd.Flags().Float64Var(&req.MaxPricePerHour, "max-price", 0, "Maximum price per hour")
	cmd.Flags().StringVar(&req.IdempotencyKey, "key", "", "Idempotency key")
	cmd.MarkFlagRequired("image")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <instance>",
		Short: "Terminate an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodDelete, "/instances/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("Instance %s terminated\n", args[0])
			return nil
		},
	}
}

func tunnelCmd() *cobra.Command {
	var req model.TunnelRequest
	var closeIt bool
	cmd := &cobra.Command{
		Use:   "tunnel <instance>",
		Short: "Open, inspect or close the tunnel to an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/instances/" + url.PathEscape(args[0]) + "/tunnel"
			if closeIt {
				return call(http.MethodDelete, path, nil, nil)
			}
			var t model.Tunnel
			var err error
			if req.RemotePort > 0 {
				err = call(http.MethodPost, path, req, &t)
			} else {
				err = call(http.MethodGet, path, nil, &t)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s localhost:%d -> %d %s\n", t.InstanceID, t.LocalPort, t.RemotePort, t.Status)
			return nil
		},
	}
	cmd.Flags().IntVar(&req.RemotePort, "remote", 0, "Remote port to forward; opens the tunnel")
	cmd.Flags().IntVar(&req.LocalPort, "local", 0, "Preferred local port")
	cmd.Flags().BoolVar(&closeIt, "close", false, "Close the tunnel")
	return cmd
}

func trainCmd() *cobra.Command {
	var req model.TrainingRequest
	cmd := &cobra.Command{
		Use:   "train <instance>",
		Short: "Start a LoRA training run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.InstanceID = args[0]
			var job model.Job
			if err := call(http.MethodPost, "/training", req, &job); err != nil {
				return err
			}
			fmt.Printf("Job submitted! ID: %s\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.DatasetName, "dataset", "", "Dataset name (mandatory)")
	cmd.Flags().StringVar(&req.LoraName, "lora", "", "Output LoRA name (mandatory)")
	cmd.Flags().StringVar(&req.BaseModel, "base-model", "", "Base model")
	cmd.Flags().StringVar(&req.LoraType, "type", "", "character, style or concept")
	cmd.Flags().IntVar(&req.Steps, "steps", 0, "Training steps")
	cmd.Flags().Float64Var(&req.LearningRate, "lr", 0, "Learning rate")
	cmd.MarkFlagRequired("dataset")
	cmd.MarkFlagRequired("lora")
	return cmd
}

func jobsCmd() *cobra.Command {
	var instanceID string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List training jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/training"
			if instanceID != "" {
				path += "?instanceId=" + url.QueryEscape(instanceID)
			}
			var jobs []model.Job
			if err := call(http.MethodGet, path, nil, &jobs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tINSTANCE\tSTATUS\tPROGRESS\tCREATED\tERROR")
			for _, j := range jobs {
				created := "-"
				if j.CreatedAt != nil {
					created = j.CreatedAt.Format(time.DateTime)
				}
				msg := ""
				if j.Error != nil {
					msg = j.Error.Message
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", j.ID, j.InstanceID, j.Status, j.Progress, j.Total, created, msg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "Only jobs of this instance")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job>",
		Short: "Cancel a training job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job model.Job
			if err := call(http.MethodPost, "/training/"+url.PathEscape(args[0])+"/cancel", nil, &job); err != nil {
				return err
			}
			fmt.Printf("Job %s %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func datasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			var datasets []model.Dataset
			if err := call(http.MethodGet, "/datasets", nil, &datasets); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFILES\tBYTES")
			for _, d := range datasets {
				fmt.Fprintf(w, "%s\t%d\t%d\n", d.Name, d.FileCount, d.TotalSize)
			}
			return w.Flush()
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <dataset> <file...>",
		Short: "Upload files into a dataset",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			for _, name := range args[1:] {
				data, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				part, err := mw.CreateFormFile("files", filepath.Base(name))
				if err != nil {
					return err
				}
				if _, err := part.Write(data); err != nil {
					return err
				}
			}
			if err := mw.Close(); err != nil {
				return err
			}

			resp, err := request(http.MethodPost, "/datasets/"+url.PathEscape(args[0])+"/upload", mw.FormDataContentType(), &body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var res map[string][]string
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				return err
			}
			for _, k := range res["uploaded"] {
				fmt.Println(k)
			}
			return nil
		},
	}
}

func lorasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loras",
		Short: "List trained LoRAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var loras []model.Lora
			if err := call(http.MethodGet, "/loras", nil, &loras); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBYTES\tUPDATED")
			for _, l := range loras {
				fmt.Fprintf(w, "%s\t%d\t%s\n", l.Name, l.Size, l.UpdatedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func downloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <lora>",
		Short: "Download a LoRA file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(http.MethodGet, "/loras/"+url.PathEscape(args[0])+"/download", "", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if out == "" {
				out = args[0]
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := io.Copy(f, resp.Body)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %d bytes to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output file")
	return cmd
}

// call sends in as JSON and decodes the response into out when out is non-nil.
func call(method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	resp, err := request(method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// request returns the response only for 2xx statuses; the API's error body
// becomes the error otherwise.
func request(method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &e) == nil && e.Kind != "" {
			return nil, fmt.Errorf("%s (%d): %s", e.Kind, resp.StatusCode, e.Message)
		}
		return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(b))
	}
	return resp, nil
}
