package config

import "testing"

func TestParseRecipeYAML(t *testing.T) {
	data := []byte("title: Greeter\ndescription: says hi\nprompt: \"say hi to {{name}}\"\n")
	r, err := ParseRecipe("greeter.yaml", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Title != "Greeter" {
		t.Fatalf("unexpected title %q", r.Title)
	}

	rendered := r.RenderParams(map[string]string{"name": "Ada"})
	if rendered.Prompt != "say hi to Ada" {
		t.Fatalf("unexpected rendered prompt %q", rendered.Prompt)
	}
}

func TestParseRecipeTOML(t *testing.T) {
	data := []byte("title = \"Greeter\"\nprompt = \"hi\"\n")
	r, err := ParseRecipe("greeter.toml", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Title != "Greeter" {
		t.Fatalf("unexpected title %q", r.Title)
	}
}

func TestParseRecipeRequiresTitle(t *testing.T) {
	if _, err := ParseRecipe("bad.yaml", []byte("description: no title\n")); err == nil {
		t.Fatalf("expected error for missing title")
	}
}

func TestParseMarkdownWithFrontmatter(t *testing.T) {
	data := []byte("---\nname: my-skill\ndescription: does a thing\n---\nThe body text.\n")
	fm, body, err := ParseMarkdownWithFrontmatter(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fm.Name != "my-skill" {
		t.Fatalf("unexpected name %q", fm.Name)
	}
	if body != "The body text.\n" {
		t.Fatalf("unexpected body %q", body)
	}
}
