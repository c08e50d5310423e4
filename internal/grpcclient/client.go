// Package grpcclient talks to the model service that hosts the face
// detector, the expression classifier and the face embedding model.
//
// Messages are google.protobuf.Struct values so the service contract needs
// no generated stubs:
//
//	Detect   {image, rotation, classify}  -> {kind, box{min_x,min_y,max_x,max_y}, head_yaw, smiling?, eyes_open?}
//	Classify {image}                      -> {expressions[{label, confidence}]}
//	Labels   {}                           -> {labels[]}
//	Embed    {image}                      -> {embedding[]}
//
// image is a base64 encoded PNG.
package grpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/similarity"
)

// ServiceName is the fully qualified gRPC service the model server exposes.
const ServiceName = "liveness.inference.v1.Inference"

const (
	MethodDetect   = "Detect"
	MethodClassify = "Classify"
	MethodLabels   = "Labels"
	MethodEmbed    = "Embed"
)

// RemoteError is a failure reported by the model service. Its message is the
// service's own description.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// InferenceClient implements imageprocessor.Detector,
// imageprocessor.ExpressionClassifier and imageprocessor.Embedder over one
// connection.
type InferenceClient struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
	labels []string
}

// DialInference connects to the model service and loads its expression
// labels.
func DialInference(ctx context.Context, addr string, logger *zap.Logger) (*InferenceClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference", "", err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}

	client, err := NewInferenceClient(ctx, conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// NewInferenceClient wraps an established connection. It takes ownership of
// conn.
func NewInferenceClient(ctx context.Context, conn *grpc.ClientConn, logger *zap.Logger) (*InferenceClient, error) {
	c := &InferenceClient{conn: conn, logger: logger.Named("inference")}

	resp, err := c.invoke(ctx, MethodLabels, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	for _, v := range resp.GetFields()["labels"].GetListValue().GetValues() {
		if label := v.GetStringValue(); label != "" {
			c.labels = append(c.labels, label)
		}
	}
	c.logger.Info("inference service ready", zap.Strings("labels", c.labels))
	return c, nil
}

// Close releases the connection.
func (c *InferenceClient) Close() error {
	return c.conn.Close()
}

func (c *InferenceClient) Detect(ctx context.Context, frame imageprocessor.Frame, opts imageprocessor.DetectOptions) (imageprocessor.Detection, error) {
	encoded, err := encodeImage(frame.Image)
	if err != nil {
		return imageprocessor.Detection{}, err
	}
	resp, err := c.invoke(ctx, MethodDetect, map[string]interface{}{
		"image":    encoded,
		"rotation": frame.RotationDegrees,
		"classify": opts.Classify,
	})
	if err != nil {
		return imageprocessor.Detection{}, err
	}
	return decodeDetection(resp)
}

func (c *InferenceClient) Classify(ctx context.Context, face image.Image) ([]imageprocessor.Expression, error) {
	encoded, err := encodeImage(face)
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, MethodClassify, map[string]interface{}{"image": encoded})
	if err != nil {
		return nil, err
	}

	var out []imageprocessor.Expression
	for _, v := range resp.GetFields()["expressions"].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		out = append(out, imageprocessor.Expression{
			Label:      fields["label"].GetStringValue(),
			Confidence: fields["confidence"].GetNumberValue(),
		})
	}
	return out, nil
}

// Labels returns the labels loaded at connection time.
func (c *InferenceClient) Labels() []string {
	return append([]string(nil), c.labels...)
}

func (c *InferenceClient) Embed(ctx context.Context, face image.Image) (similarity.Vector, error) {
	encoded, err := encodeImage(face)
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, MethodEmbed, map[string]interface{}{"image": encoded})
	if err != nil {
		return nil, err
	}

	values := resp.GetFields()["embedding"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("inference service returned an empty embedding")
	}
	v := make(similarity.Vector, len(values))
	for i, x := range values {
		v[i] = float32(x.GetNumberValue())
	}
	return v, nil
}

func (c *InferenceClient) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		remote := &RemoteError{Method: method, Message: status.Convert(err).Message()}
		wrapped := logging.NewOperationError("grpcclient."+method, "", err)
		c.logger.Warn("inference call failed", zap.Error(wrapped))
		return nil, remote
	}
	return resp, nil
}

func decodeDetection(resp *structpb.Struct) (imageprocessor.Detection, error) {
	fields := resp.GetFields()
	var det imageprocessor.Detection

	switch kind := fields["kind"].GetStringValue(); kind {
	case "no_face":
		det.Kind = imageprocessor.DetectionNoFace
		return det, nil
	case "multiple_faces":
		det.Kind = imageprocessor.DetectionMultipleFaces
		return det, nil
	case "face":
		det.Kind = imageprocessor.DetectionFace
	default:
		return det, fmt.Errorf("unknown detection kind %q", kind)
	}

	box := fields["box"].GetStructValue().GetFields()
	det.Box = image.Rect(
		int(box["min_x"].GetNumberValue()),
		int(box["min_y"].GetNumberValue()),
		int(box["max_x"].GetNumberValue()),
		int(box["max_y"].GetNumberValue()),
	)
	det.HeadYaw = int(math.Round(fields["head_yaw"].GetNumberValue()))
	det.Smiling = optionalBool(fields, "smiling")
	det.EyesOpen = optionalBool(fields, "eyes_open")
	return det, nil
}

func optionalBool(fields map[string]*structpb.Value, key string) *bool {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return nil
	}
	b := v.GetBoolValue()
	return &b
}

func encodeImage(img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("no image to send")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
