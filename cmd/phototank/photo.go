package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/phototank/internal/derive"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

var photoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Inspect and annotate catalogued photos",
}

var photoShowCmd = &cobra.Command{
	Use:   "show <guid|rel_path>",
	Short: "Show a photo's catalog record",
	Args:  cobra.ExactArgs(1),
	RunE:  runPhotoShow,
}

var photoRateCmd = &cobra.Command{
	Use:   "rate <guid> <0-3>",
	Short: "Set a photo's rating",
	Args:  cobra.ExactArgs(2),
	RunE:  runPhotoRate,
}

var photoTagCmd = &cobra.Command{
	Use:   "tag <name> <guid>...",
	Short: "Attach a tag to photos, creating the tag when needed",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPhotoTag,
}

var photoTagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List all tags",
	Args:  cobra.NoArgs,
	RunE:  runPhotoTags,
}

func init() {
	rootCmd.AddCommand(photoCmd)
	photoCmd.AddCommand(photoShowCmd, photoRateCmd, photoTagCmd, photoTagsCmd)

	photoTagCmd.Flags().String("color", "", "badge color for a new tag (primary, secondary, success, danger, warning, info, dark)")
	photoTagCmd.Flags().String("description", "", "description for a new tag")
	photoTagCmd.Flags().Bool("remove", false, "detach the tag instead")
}

// lookupPhoto accepts a guid or a library-relative path.
func lookupPhoto(ctx context.Context, st *store.Store, ref string) (*store.Photo, error) {
	var (
		p   *store.Photo
		err error
	)
	if guid, gerr := util.NormalizeGUID(ref); gerr == nil {
		p, err = st.GetPhoto(ctx, guid)
	} else {
		p, err = st.GetPhotoByRelPath(ctx, strings.TrimPrefix(ref, "./"))
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("photo %s: %w", ref, util.ErrNotFound)
	}
	return p, nil
}

func runPhotoShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	p, err := lookupPhoto(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	tags, err := a.store.TagsForPhoto(ctx, p.GUID)
	if err != nil {
		return err
	}
	writePhotoDetail(os.Stdout, p, tags, a.derivatives())
	return nil
}

func writePhotoDetail(w io.Writer, p *store.Photo, tags []*store.Tag, deriv *derive.Generator) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "GUID:\t%s\n", p.GUID)
	fmt.Fprintf(tw, "Path:\t%s\n", p.RelPath)
	fmt.Fprintf(tw, "Taken:\t%s\n", orDash(p.DatetimeOriginal))
	fmt.Fprintf(tw, "Size:\t%s\n", humanize.IBytes(uint64(p.FileSize)))
	if p.Width != nil && p.Height != nil {
		fmt.Fprintf(tw, "Dimensions:\t%dx%d\n", *p.Width, *p.Height)
	}
	fmt.Fprintf(tw, "Camera:\t%s\n", orDash(p.CameraMake))
	if p.HasGPS() {
		fmt.Fprintf(tw, "GPS:\t%.6f, %.6f\n", *p.GPSLatitude, *p.GPSLongitude)
	}
	if p.Geo.Status != nil {
		fmt.Fprintf(tw, "Location:\t%s (%s)\n", orDash(p.Geo.DisplayName), *p.Geo.Status)
	}
	fmt.Fprintf(tw, "Rating:\t%s\n", strings.Repeat("*", p.Rating)+strings.Repeat(".", 3-p.Rating))
	if len(tags) > 0 {
		names := make([]string, len(tags))
		for i, t := range tags {
			names[i] = t.Name
		}
		fmt.Fprintf(tw, "Tags:\t%s\n", strings.Join(names, ", "))
	}
	if p.ExifError != nil {
		fmt.Fprintf(tw, "EXIF error:\t%s\n", *p.ExifError)
	}
	fmt.Fprintf(tw, "Indexed:\t%s\n", p.IndexedAt)
	for _, tier := range []derive.Tier{derive.TierThumb, derive.TierMid} {
		path := deriv.Path(tier, p.GUID)
		state := "missing"
		if info, err := os.Stat(path); err == nil {
			state = humanize.IBytes(uint64(info.Size()))
		}
		fmt.Fprintf(tw, "%s:\t%s (%s)\n", strings.ToUpper(string(tier[:1]))+string(tier[1:]), path, state)
	}
	tw.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func runPhotoRate(cmd *cobra.Command, args []string) error {
	rating, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: rating must be a number, got %q", util.ErrInvalidConfig, args[1])
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	p, err := lookupPhoto(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	err = a.store.Update(ctx, "set-rating", func(tx *store.Tx) error {
		return tx.SetRating(ctx, p.GUID, rating)
	})
	if err != nil {
		return err
	}
	util.SuccessLog("Rated %s: %d", p.RelPath, rating)
	return nil
}

func runPhotoTag(cmd *cobra.Command, args []string) error {
	color, _ := cmd.Flags().GetString("color")
	description, _ := cmd.Flags().GetString("description")
	remove, _ := cmd.Flags().GetBool("remove")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	guids := make([]string, 0, len(args)-1)
	for _, ref := range args[1:] {
		p, err := lookupPhoto(ctx, a.store, ref)
		if err != nil {
			return err
		}
		guids = append(guids, p.GUID)
	}

	var (
		tag *store.Tag
		n   int
	)
	err = a.store.Update(ctx, "tag-photos", func(tx *store.Tx) error {
		var err error
		if tag, err = tx.CreateOrGetTag(ctx, args[0], description, color); err != nil {
			return err
		}
		if remove {
			n, err = tx.RemoveTag(ctx, tag.ID, guids)
		} else {
			n, err = tx.ApplyTag(ctx, tag.ID, guids)
		}
		return err
	})
	if err != nil {
		return err
	}

	if remove {
		util.SuccessLog("Removed tag %q from %d photo(s)", tag.Name, n)
	} else {
		util.SuccessLog("Tagged %d photo(s) with %q", n, tag.Name)
	}
	return nil
}

func runPhotoTags(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tags, err := a.store.ListTags(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOLOR\tDESCRIPTION")
	for _, t := range tags {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Color, orDash(t.Description))
	}
	return tw.Flush()
}
