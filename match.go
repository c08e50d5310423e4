package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/config"
	"github.com/example/liveness-check/internal/gallery"
	"github.com/example/liveness-check/internal/grpcclient"
	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/logging"
)

type matchFlags struct {
	galleryDir    string
	inferenceAddr string
	rotation      int
}

var matchOpts matchFlags

var matchCmd = &cobra.Command{
	Use:   "match <image_path>",
	Short: "Find the enrolled identity closest to the face in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("gallery") {
			cfg.GalleryDir = matchOpts.galleryDir
		}
		if cmd.Flags().Changed("inference") {
			cfg.InferenceAddr = matchOpts.inferenceAddr
		}
		if cfg.GalleryDir == "" {
			return fmt.Errorf("a gallery directory is required (--gallery or GALLERY_DIR)")
		}
		return runMatch(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], matchOpts.rotation)
	},
}

func init() {
	matchCmd.Flags().StringVar(&matchOpts.galleryDir, "gallery", "", "Directory of enrolled face images (env GALLERY_DIR)")
	matchCmd.Flags().StringVar(&matchOpts.inferenceAddr, "inference", "", "Model service address (env INFERENCE_ADDR)")
	matchCmd.Flags().IntVarP(&matchOpts.rotation, "rotation", "r", 0, "Clockwise rotation needed to display the image upright")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(ctx context.Context, out io.Writer, cfg config.Config, imagePath string, rotation int) error {
	logger, err := logging.NewLogger("warn")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	img, err := decodeImageFile(imagePath)
	if err != nil {
		return err
	}

	inference, err := grpcclient.DialInference(ctx, cfg.InferenceAddr, logger)
	if err != nil {
		return fmt.Errorf("connect to inference service: %w", err)
	}
	defer inference.Close()

	g := gallery.New(inference, cfg.Engine(), gallery.WithLogger(logger))
	samples, err := g.LoadDir(ctx, cfg.GalleryDir)
	if err != nil {
		return fmt.Errorf("load gallery: %w", err)
	}

	detection, err := inference.Detect(ctx, imageprocessor.Frame{Image: img, RotationDegrees: rotation, Timestamp: time.Now()}, imageprocessor.DetectOptions{})
	if err != nil {
		return err
	}
	switch detection.Kind {
	case imageprocessor.DetectionNoFace:
		return fmt.Errorf("no face found in %s", imagePath)
	case imageprocessor.DetectionMultipleFaces:
		return fmt.Errorf("more than one face found in %s", imagePath)
	}

	face := imageprocessor.Crop(imageprocessor.Upright(img, rotation), detection.Box)
	if face == nil {
		return fmt.Errorf("face box %v lies outside the image", detection.Box)
	}
	identity, err := g.Match(ctx, face)
	if err != nil {
		return err
	}
	logger.Debug("matched", zap.String("identity", identity))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "IMAGE\tIDENTITY\tHEAD YAW\tGALLERY\n")
	fmt.Fprintf(w, "%s\t%s\t%d\t%d samples / %d identities\n", imagePath, identity, detection.HeadYaw, samples, len(g.Identities()))
	return w.Flush()
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
