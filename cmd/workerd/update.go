package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"

	"github.com/inconshreveable/go-update"
	"github.com/kardianos/osext"
	"github.com/spf13/cobra"

	"go.archivegrid.dev/worker/build"
)

// developerKey is the public key that release binary signatures are
// verified against before an update is applied.
const developerKey = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAwPqP7DwtytI+OatKAhJ3
ggZOL1a9M+sIwL2LaOzgP3fV4Et4xZC0/2uT+3tduUc6TIVgCwAv98pF/0xyJyfU
sl1wwQmJH+mab6bbGMJFeNe2JwLpEoP7LdiiC+Ukcl6sisJIKF6htY2pNtKxv0Gk
TBAePfNmfYAnbPE/kZV5bJ6+YxbDb2YcENF+qWDirSaaPQAaRaWwIdABo+tFyG6a
fYTUtRPck6neHF1xXetv2kYudlwmvf+iDOPf3I18MRCW1poguLQtcK75/GYJ2Uuv
3ENN25GdJSMMqBQO6F2CQtDGmm9mTT38IzdYuJIkZcCFlsR0i8ohi0F2i9FGINzM
RwIDAQAB
-----END PUBLIC KEY-----`

var errEmptyUpdateResponse = errors.New("update check returned an empty release list")

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name        string `json:"name"`
		DownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

func fetchLatestRelease() (githubRelease, error) {
	resp, err := http.Get("https://api.github.com/repos/archivegrid/worker/releases/latest")
	if err != nil {
		return githubRelease{}, err
	}
	defer resp.Body.Close()

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return githubRelease{}, err
	}
	if release.TagName == "" {
		return githubRelease{}, errEmptyUpdateResponse
	}
	return release, nil
}

// releaseAssetName is the filename workerd expects to find attached to a
// GitHub release for the current platform.
func releaseAssetName(version string) string {
	name := fmt.Sprintf("workerd-%s-%s-%s", version, runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// updateToRelease replaces the running binary with the one attached to
// release, verifying its signature against developerKey first.
func updateToRelease(release githubRelease) error {
	updateOpts := update.Options{Verifier: update.NewRSAVerifier()}
	if err := updateOpts.SetPublicKeyPEM([]byte(developerKey)); err != nil {
		return err
	}

	binaryFolder, err := osext.ExecutableFolder()
	if err != nil {
		return err
	}

	assetName := releaseAssetName(release.TagName)
	var downloadURL, sigURL string
	for _, asset := range release.Assets {
		switch asset.Name {
		case assetName:
			downloadURL = asset.DownloadURL
		case assetName + ".sig":
			sigURL = asset.DownloadURL
		}
	}
	if downloadURL == "" {
		return errors.New("couldn't find download URL for " + assetName)
	}
	if sigURL == "" {
		return errors.New("couldn't find signature URL for " + assetName)
	}

	binResp, err := http.Get(downloadURL)
	if err != nil {
		return err
	}
	defer binResp.Body.Close()
	binData, err := io.ReadAll(io.LimitReader(binResp.Body, 1<<25))
	if err != nil {
		return err
	}

	sigResp, err := http.Get(sigURL)
	if err != nil {
		return err
	}
	defer sigResp.Body.Close()
	signature, err := io.ReadAll(sigResp.Body)
	if err != nil {
		return err
	}

	updateOpts.Signature = signature
	updateOpts.TargetMode = 0775
	updateOpts.TargetPath = filepath.Join(binaryFolder, "workerd")
	return update.Apply(bytes.NewReader(binData), updateOpts)
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for (and if available, apply) an update to workerd",
	Long:  "Check for (and if available, apply) an update to workerd.",
	Run: func(*cobra.Command, []string) {
		release, err := fetchLatestRelease()
		if err != nil {
			die("could not check for update:", err)
		}
		if build.VersionCmp(release.TagName, build.Version) <= 0 {
			fmt.Println("Already up to date.")
			return
		}
		fmt.Println("Updating to", release.TagName, "...")
		if err := updateToRelease(release); err != nil {
			die("update failed:", err)
		}
		fmt.Println("Update applied successfully. Please restart workerd.")
	},
}

var updateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for an available update",
	Long:  "Check for an available update, without applying it.",
	Run: func(*cobra.Command, []string) {
		release, err := fetchLatestRelease()
		if err != nil {
			die("could not check for update:", err)
		}
		if build.VersionCmp(release.TagName, build.Version) <= 0 {
			fmt.Println("Already up to date.")
			return
		}
		fmt.Println("A new release is available:", release.TagName)
	},
}
