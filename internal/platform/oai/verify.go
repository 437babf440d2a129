package oai

import (
	"context"
	"fmt"
)

// Verify checks a responder for one source/set/format triple. With extended
// unset it checks basic reachability, the metadata format and the set; with
// extended set it checks ORE support only. An empty result means healthy.
func (c *Client) Verify(ctx context.Context, baseURL, set, metadataPrefix string, extended bool) []string {
	if extended {
		return c.verifyORE(ctx, baseURL)
	}
	return c.verifyBasic(ctx, baseURL, set, metadataPrefix)
}

func (c *Client) verifyBasic(ctx context.Context, baseURL, set, metadataPrefix string) []string {
	var errs []string

	id, err := c.Identify(ctx, baseURL)
	if err != nil {
		return append(errs, fmt.Sprintf("Error contacting the OAI server: %v", err))
	}
	if id.Granularity == string(GranularityDay) && c.granularity == GranularitySeconds {
		errs = append(errs, fmt.Sprintf("The OAI server only supports %s datestamps but the harvester is configured for %s", GranularityDay, GranularitySeconds))
	}

	formats, err := c.ListMetadataFormats(ctx, baseURL)
	if err != nil {
		errs = append(errs, fmt.Sprintf("Error listing metadata formats: %v", err))
	} else if !hasPrefix(formats, metadataPrefix) {
		errs = append(errs, fmt.Sprintf("The OAI server does not support the metadata format %q", metadataPrefix))
	}

	if set != "" {
		sets, err := c.ListSets(ctx, baseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("Error listing sets: %v", err))
		case !hasSet(sets, set):
			errs = append(errs, fmt.Sprintf("The OAI server does not have a set with setSpec %q", set))
		}
	}
	return errs
}

func (c *Client) verifyORE(ctx context.Context, baseURL string) []string {
	formats, err := c.ListMetadataFormats(ctx, baseURL)
	if err != nil {
		return []string{fmt.Sprintf("Error listing metadata formats: %v", err)}
	}
	for _, f := range formats {
		if f.Prefix == OREPrefix || f.Namespace == OREAtomNS {
			return nil
		}
	}
	return []string{"The OAI server does not provide ORE resource maps"}
}

func hasPrefix(formats []MetadataFormat, prefix string) bool {
	for _, f := range formats {
		if f.Prefix == prefix {
			return true
		}
	}
	return false
}

func hasSet(sets []Set, spec string) bool {
	for _, s := range sets {
		if s.Spec == spec {
			return true
		}
	}
	return false
}
