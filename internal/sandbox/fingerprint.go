package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// EssentialsVersion is folded into every fingerprint. Bump it whenever
// Essentials changes so existing sandboxes rebuild.
const EssentialsVersion = "v2"

var (
	manifestFiles = []string{
		"requirements.txt", "requirements-dev.txt", "requirements-test.txt",
		"pyproject.toml", "setup.cfg", "setup.py",
	}
	requirementFiles = []string{"requirements.txt", "requirements-test.txt", "requirements-dev.txt"}
	manifestDirs     = []string{".", "backend", "api"}
)

// Fingerprint hashes every dependency manifest under root together with
// EssentialsVersion.
func Fingerprint(root string) string {
	h := sha256.New()
	h.Write([]byte("essentials:" + EssentialsVersion))
	for _, name := range manifestFiles {
		for _, dir := range manifestDirs {
			rel := filepath.Join(dir, name)
			data, err := os.ReadFile(filepath.Join(root, rel))
			if err != nil {
				continue
			}
			h.Write([]byte(rel))
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// heavy lists normalized package names that need GPUs, system libraries or
// very large downloads and are left out of test sandboxes.
var heavy = map[string]bool{}

func init() {
	for _, name := range strings.Fields(`
		torch torchvision torchaudio torchtext torch_geometric
		tensorflow tensorflow_cpu tensorflow_gpu tf_keras keras jax flax trax
		scikit_learn scipy statsmodels
		opencv_python opencv_python_headless opencv_contrib_python
		matplotlib seaborn plotly bokeh altair
		transformers diffusers accelerate peft trl bitsandbytes
		xgboost lightgbm catboost
		spacy nltk gensim flair
		librosa soundfile audioread pyaudio pydub noisereduce
		numba cupy cupy_cuda triton
		sentence_transformers faiss_cpu faiss_gpu chromadb
		llama_cpp_python ctransformers
		paddle paddlepaddle
		mmcv mmdet mmsegmentation
		detectron2`) {
		heavy[name] = true
	}
}

var requirementName = regexp.MustCompile(`^([A-Za-z0-9_\-.]+)`)

// NormalizeName lowercases a package name and folds '-' and '.' into '_'.
func NormalizeName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToLower(name))
}

// IsHeavy reports whether a requirement's package is on the deny-list.
func IsHeavy(name string) bool {
	return heavy[NormalizeName(name)]
}

// CollectDependencies returns the project's requirement specs minus heavy
// packages, first occurrence wins. Includes, constraints, VCS and URL
// requirements and option lines are skipped.
func CollectDependencies(root string) (deps []string, excluded []string) {
	seen := map[string]bool{}
	for _, name := range requirementFiles {
		for _, dir := range manifestDirs {
			data, err := os.ReadFile(filepath.Join(root, dir, name))
			if err != nil {
				continue
			}
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || hasAnyPrefix(line, "#", "-r ", "-c ", "git+", "http", "--") {
					continue
				}
				m := requirementName.FindStringSubmatch(line)
				if m == nil {
					continue
				}
				norm := NormalizeName(m[1])
				if seen[norm] {
					continue
				}
				seen[norm] = true
				if heavy[norm] {
					excluded = append(excluded, m[1])
					continue
				}
				if i := strings.Index(line, "#"); i >= 0 {
					line = strings.TrimSpace(line[:i])
				}
				deps = append(deps, line)
			}
		}
	}
	return deps, excluded
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
