package comfyui

import (
	"fmt"

	"github.com/rennalt/gpustudio/internal/core/domain"
)

// Resolution presets. Image-to-video follows the orientation flag; the
// talking-head pipeline runs at a fixed portrait size.
const (
	landscapeWidth  = 1024
	landscapeHeight = 576
	portraitWidth   = 576
	portraitHeight  = 1024

	talkingHeadWidth  = 480
	talkingHeadHeight = 832
)

// defaultTalkingHeadPrompt is substituted when the user leaves the prompt
// empty for the talking-head kind; the image-to-video kind takes the prompt
// as-is.
const defaultTalkingHeadPrompt = "a person is speaking"

// BuildWorkflow maps a job config into the engine's workflow graph for its
// workflow kind. Pure function: it only reads cfg and fails when a required
// uploaded filename is missing.
func (c *Client) BuildWorkflow(cfg domain.JobConfig) (map[string]any, error) {
	return BuildWorkflow(cfg)
}

// BuildWorkflow is the package-level mapping used by the client method.
func BuildWorkflow(cfg domain.JobConfig) (map[string]any, error) {
	if cfg.ImageFileName == "" {
		return nil, fmt.Errorf("workflow requires an uploaded image")
	}

	switch cfg.WorkflowKind {
	case domain.PurposeImageToVideo:
		return buildImageToVideo(cfg), nil
	case domain.PurposeTalkingHead:
		if cfg.AudioFileName == "" {
			return nil, fmt.Errorf("talking-head workflow requires uploaded audio")
		}
		return buildTalkingHead(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported workflow kind: %s", cfg.WorkflowKind)
	}
}

func buildImageToVideo(cfg domain.JobConfig) map[string]any {
	width, height := landscapeWidth, landscapeHeight
	if cfg.Orientation == domain.OrientationVertical {
		width, height = portraitWidth, portraitHeight
	}

	return map[string]any{
		"93": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs": map[string]any{
				"text": cfg.Prompt,
				"clip": []any{"94", 0},
			},
		},
		"94": map[string]any{
			"class_type": "CLIPLoader",
			"inputs": map[string]any{
				"clip_name": "umt5_xxl_fp8_e4m3fn_scaled.safetensors",
				"type":      "wan",
			},
		},
		"95": map[string]any{
			"class_type": "UNETLoader",
			"inputs": map[string]any{
				"unet_name":    "wan2.2_i2v_high_noise_14B_fp8_scaled.safetensors",
				"weight_dtype": "default",
			},
		},
		"96": map[string]any{
			"class_type": "VAELoader",
			"inputs": map[string]any{
				"vae_name": "wan_2.1_vae.safetensors",
			},
		},
		"97": map[string]any{
			"class_type": "LoadImage",
			"inputs": map[string]any{
				"image": cfg.ImageFileName,
			},
		},
		"98": map[string]any{
			"class_type": "WanImageToVideo",
			"inputs": map[string]any{
				"width":            width,
				"height":           height,
				"length":           cfg.MaxFrames,
				"batch_size":       1,
				"positive":         []any{"93", 0},
				"vae":              []any{"96", 0},
				"start_image":      []any{"97", 0},
			},
		},
		"99": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":         0,
				"steps":        20,
				"cfg":          5.0,
				"sampler_name": "euler",
				"scheduler":    "simple",
				"denoise":      1.0,
				"model":        []any{"95", 0},
				"positive":     []any{"98", 0},
				"latent_image": []any{"98", 2},
			},
		},
		"100": map[string]any{
			"class_type": "VAEDecode",
			"inputs": map[string]any{
				"samples": []any{"99", 0},
				"vae":     []any{"96", 0},
			},
		},
		"101": map[string]any{
			"class_type": "SaveVideo",
			"inputs": map[string]any{
				"filename_prefix": "gpustudio",
				"video":           []any{"100", 0},
			},
		},
	}
}

func buildTalkingHead(cfg domain.JobConfig) map[string]any {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultTalkingHeadPrompt
	}

	audioScale := cfg.AudioCfgScale
	if audioScale <= 0 {
		audioScale = 1.0
	}

	return map[string]any{
		"125": map[string]any{
			"class_type": "LoadAudio",
			"inputs": map[string]any{
				"audio": cfg.AudioFileName,
			},
		},
		"241": map[string]any{
			"class_type": "WanVideoTextEncodeCached",
			"inputs": map[string]any{
				"positive_prompt": prompt,
				"negative_prompt": "bad quality, blurry, distorted face",
			},
		},
		"245": map[string]any{
			"class_type": "INTConstant",
			"inputs": map[string]any{
				"value": talkingHeadWidth,
			},
		},
		"246": map[string]any{
			"class_type": "INTConstant",
			"inputs": map[string]any{
				"value": talkingHeadHeight,
			},
		},
		"270": map[string]any{
			"class_type": "MultiTalkWav2VecEmbeds",
			"inputs": map[string]any{
				"audio_cfg_scale": audioScale,
				"num_frames":      cfg.MaxFrames,
				"audio":           []any{"125", 0},
			},
		},
		"313": map[string]any{
			"class_type": "LoadImage",
			"inputs": map[string]any{
				"image": cfg.ImageFileName,
			},
		},
		"320": map[string]any{
			"class_type": "WanVideoSampler",
			"inputs": map[string]any{
				"steps":         6,
				"cfg":           1.0,
				"frames":        cfg.MaxFrames,
				"text_embeds":   []any{"241", 0},
				"image":         []any{"313", 0},
				"audio_embeds":  []any{"270", 0},
				"width":         []any{"245", 0},
				"height":        []any{"246", 0},
			},
		},
		"330": map[string]any{
			"class_type": "VHS_VideoCombine",
			"inputs": map[string]any{
				"filename_prefix": "gpustudio_talk",
				"frame_rate":      25,
				"images":          []any{"320", 0},
				"audio":           []any{"125", 0},
			},
		},
	}
}
